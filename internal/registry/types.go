package registry

import (
	"encoding/json"
	"time"
)

// Tender is the registry's list-entry payload for one procurement process.
type Tender struct {
	ControlNumber  string `json:"controlNumber"`
	PurchaseNumber string `json:"purchaseNumber"`
	PurchaseYear   int    `json:"purchaseYear"`
	PurchaseSeq    int    `json:"purchaseSequence"`
	ProcessNumber  string `json:"processNumber"`

	Organ struct {
		Id     string `json:"id"`
		Name   string `json:"name"`
		Power  string `json:"powerId"`
		Sphere string `json:"sphereId"`
	} `json:"organ"`

	Unit struct {
		StateCode        string `json:"stateCode"`
		StateName        string `json:"stateName"`
		MunicipalityName string `json:"municipalityName"`
		MunicipalityCode string `json:"municipalityCode"`
		UnitCode         string `json:"unitCode"`
		UnitName         string `json:"unitName"`
	} `json:"unit"`

	ObjectDescription string `json:"objectDescription"`
	SupplementaryInfo string `json:"supplementaryInfo"`

	Situation         string `json:"situationName"`
	ModalityId        int    `json:"modalityId"`
	ModalityName      string `json:"modalityName"`
	DisputeModeId     int    `json:"disputeModeId"`
	DisputeModeName   string `json:"disputeModeName"`
	JudgmentCriterion int    `json:"judgmentCriterionId"`

	InstrumentTypeCode int    `json:"instrumentTypeCode"`
	InstrumentTypeName string `json:"instrumentTypeName"`

	EstimatedValue   float64  `json:"totalEstimatedValue"`
	HomologatedValue *float64 `json:"totalHomologatedValue"`

	PublishedAt       *time.Time `json:"publishedAt"`
	ProposalOpensAt   *time.Time `json:"proposalOpensAt"`
	ProposalClosesAt  *time.Time `json:"proposalClosesAt"`
	IncludedAt        *time.Time `json:"includedAt"`
	UpstreamUpdatedAt *time.Time `json:"updatedAt"`

	OriginSystemLink      string `json:"originSystemLink"`
	ElectronicProcessLink string `json:"electronicProcessLink"`

	Srp bool `json:"srp"`

	LegalBasis struct {
		Code        string `json:"code"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"legalBasis"`
}

// TenderItem is one line item as published by the registry.
type TenderItem struct {
	ItemNumber         int     `json:"itemNumber"`
	Description        string  `json:"description"`
	Quantity           float64 `json:"quantity"`
	Unit               string  `json:"unit"`
	UnitEstimatedValue float64 `json:"unitEstimatedValue"`
	TotalEstimated     float64 `json:"totalEstimatedValue"`

	CatalogCode        string `json:"catalogCode"`
	CatalogDescription string `json:"catalogDescription"`
	Situation          string `json:"situationName"`

	MaterialOrService     string `json:"materialOrService"`
	MaterialOrServiceName string `json:"materialOrServiceName"`
	JudgmentCriterionId   int    `json:"judgmentCriterionId"`
	JudgmentCriterionName string `json:"judgmentCriterionName"`
	BenefitTypeId         int    `json:"benefitTypeId"`
	BenefitTypeName       string `json:"benefitTypeName"`
	CategoryId            int    `json:"categoryId"`
	CategoryName          string `json:"categoryName"`
	SealedBudget          bool   `json:"sealedBudget"`
	NcmNbsCode            string `json:"ncmNbsCode"`
	NcmNbsDescription     string `json:"ncmNbsDescription"`
}

// TenderDocument is one attachment's metadata as published by the registry.
type TenderDocument struct {
	DocumentSequence        int        `json:"documentSequence"`
	Title                   string     `json:"title"`
	DocumentTypeId          int        `json:"documentTypeId"`
	DocumentTypeName        string     `json:"documentTypeName"`
	DocumentTypeDescription string     `json:"documentTypeDescription"`
	Url                     string     `json:"url"`
	PublishedAt             *time.Time `json:"publishedAt"`
	Active                  *bool      `json:"active"`
}

// ListParams selects one page of the registry's publication list.
type ListParams struct {
	DateFrom time.Time
	DateTo   time.Time
	Modality int
	OrganId  string
	Page     int
	PageSize int
}

// ListPage is one page of list results. Items are kept raw so the verbatim
// upstream payload can be persisted next to the decoded fields.
type ListPage struct {
	Items      []json.RawMessage
	Page       int
	TotalPages int
	TotalCount int
}

// Last reports whether this page terminates the page loop: the known page count
// is reached, or the registry returned fewer items than requested.
func (p ListPage) Last(requestedSize int) bool {
	if p.TotalPages > 0 && p.Page >= p.TotalPages {
		return true
	}

	return len(p.Items) < requestedSize
}
