package util

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	_ "github.com/joho/godotenv/autoload"
)

type configValue struct {
	envVarName   string
	required     bool
	errorMessage string
	defaultValue string
	Value        string
}

type Config struct {
	DbConnectionString   configValue
	RedisUrl             configValue
	RegistryBaseUrl      configValue
	SeqUrl               configValue
	SeqToken             configValue
	Environment          configValue
	WorkerConcurrency    configValue
	DeepFetchConcurrency configValue
	PageSize             configValue
}

func NewConfig() *Config {
	const dbConnectionStringName = "DB_CONNECTION_STRING"
	const redisUrlName = "REDIS_URL"
	const registryBaseUrlName = "REGISTRY_BASE_URL"
	const seqUrlName = "SEQ_URL"
	const seqTokenName = "SEQ_TOKEN"
	const environmentName = "ENVIRONMENT"
	const workerConcurrencyName = "WORKER_CONCURRENCY"
	const deepFetchConcurrencyName = "DEEP_FETCH_CONCURRENCY"
	const pageSizeName = "PAGE_SIZE"

	return &Config{
		DbConnectionString: configValue{
			envVarName:   dbConnectionStringName,
			required:     true,
			errorMessage: fmt.Sprintf("make sure that environment variable %s is set and in DSN format", dbConnectionStringName),
		},
		RedisUrl: configValue{
			envVarName:   redisUrlName,
			required:     true,
			errorMessage: fmt.Sprintf("make sure that environment variable %s is set (redis://host:port)", redisUrlName),
		},
		RegistryBaseUrl: configValue{
			envVarName:   registryBaseUrlName,
			required:     false,
			defaultValue: "https://pncp.gov.br/api/pncp/v1",
		},
		SeqUrl: configValue{
			envVarName: seqUrlName,
			required:   false,
		},
		SeqToken: configValue{
			envVarName: seqTokenName,
			required:   false,
		},
		Environment: configValue{
			envVarName:   environmentName,
			required:     false,
			defaultValue: "development",
		},
		WorkerConcurrency: configValue{
			envVarName:   workerConcurrencyName,
			required:     false,
			defaultValue: "1",
		},
		DeepFetchConcurrency: configValue{
			envVarName:   deepFetchConcurrencyName,
			required:     false,
			defaultValue: "16",
		},
		PageSize: configValue{
			envVarName:   pageSizeName,
			required:     false,
			defaultValue: "50",
		},
	}
}

var config *Config

func GetConfig() *Config {
	if config == nil {
		return load()
	}

	return config
}

func load() *Config {
	config := NewConfig()

	if err := populateEnv(&config.DbConnectionString); err != nil {
		log.Fatal(err)
	}
	if err := populateEnv(&config.RedisUrl); err != nil {
		log.Fatal(err)
	}
	if err := populateEnv(&config.RegistryBaseUrl); err != nil {
		log.Fatal(err)
	}
	if err := populateEnv(&config.SeqUrl); err != nil {
		log.Fatal(err)
	}
	if err := populateEnv(&config.SeqToken); err != nil {
		log.Fatal(err)
	}
	if err := populateEnv(&config.Environment); err != nil {
		log.Fatal(err)
	}
	if err := populateEnv(&config.WorkerConcurrency); err != nil {
		log.Fatal(err)
	}
	if err := populateEnv(&config.DeepFetchConcurrency); err != nil {
		log.Fatal(err)
	}
	if err := populateEnv(&config.PageSize); err != nil {
		log.Fatal(err)
	}

	return config
}

func populateEnv(m *configValue) (err error) {
	v := os.Getenv(m.envVarName)

	if v == "" && m.required {
		if m.errorMessage != "" {
			return errors.New(m.errorMessage)
		}

		return fmt.Errorf("environment variable %s is not set", m.envVarName)
	}

	if v == "" && m.defaultValue != "" {
		m.Value = m.defaultValue
		return nil
	}

	m.Value = v
	return nil
}

// IntValue parses a numeric config value, falling back when unset or malformed.
func (c configValue) IntValue(fallback int) int {
	if c.Value == "" {
		return fallback
	}

	n, err := strconv.Atoi(c.Value)
	if err != nil {
		return fallback
	}

	return n
}
