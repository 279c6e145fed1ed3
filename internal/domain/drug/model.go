package drug

import (
	"time"
)

// RawUtilizationRecord maps to the medicaid_drug_utilization table. One row
// per parsed line of the State Drug Utilization Data file.
type RawUtilizationRecord struct {
	ID                          int64   `db:"id" json:"id"`
	UtilizationType             string  `db:"utilization_type" json:"utilization_type"`
	State                       string  `db:"state" json:"state"`
	NDC                         string  `db:"ndc" json:"ndc"`
	LabelerCode                 string  `db:"labeler_code" json:"labeler_code"`
	ProductCode                 string  `db:"product_code" json:"product_code"`
	PackageSize                 string  `db:"package_size" json:"package_size"`
	Year                        int     `db:"year" json:"year"`
	Quarter                     int     `db:"quarter" json:"quarter"`
	SuppressionUsed             bool    `db:"suppression_used" json:"suppression_used"`
	ProductName                 string  `db:"product_name" json:"product_name"`
	UnitsReimbursed             float64 `db:"units_reimbursed" json:"units_reimbursed"`
	NumberOfPrescriptions       float64 `db:"number_of_prescriptions" json:"number_of_prescriptions"`
	TotalAmountReimbursed       float64 `db:"total_amount_reimbursed" json:"total_amount_reimbursed"`
	MedicaidAmountReimbursed    float64 `db:"medicaid_amount_reimbursed" json:"medicaid_amount_reimbursed"`
	NonMedicaidAmountReimbursed float64 `db:"non_medicaid_amount_reimbursed" json:"non_medicaid_amount_reimbursed"`
	PricePerUnit                float64 `db:"price_per_unit" json:"price_per_unit"`
}

// UnitPrice returns amount/units, or 0 when no units were reimbursed.
func UnitPrice(amount, units float64) float64 {
	if units > 0 {
		return amount / units
	}
	return 0
}

// DrugDefinition maps to the drug_definitions table. Exactly one row per NDC.
type DrugDefinition struct {
	NDC          string    `db:"ndc" json:"ndc"`
	Name         string    `db:"name" json:"name"`
	Manufacturer *string   `db:"manufacturer" json:"manufacturer,omitempty"`
	Labeler      string    `db:"labeler" json:"labeler"`
	PackageSize  string    `db:"package_size" json:"package_size"`
	LastUpdated  time.Time `db:"last_updated" json:"last_updated"`
}

// DrugPrice maps to the drug_prices table. At most one row per (NDC, state).
type DrugPrice struct {
	NDC         string    `db:"ndc" json:"ndc"`
	State       string    `db:"state" json:"state"`
	Price       float64   `db:"price" json:"price"`
	Year        int       `db:"year" json:"year"`
	Quarter     int       `db:"quarter" json:"quarter"`
	LastUpdated time.Time `db:"last_updated" json:"last_updated"`
}

// DrugSummary maps to the drug_summaries table. The numeric fields are nil on
// the zero value so an absent summary serializes as empty.
type DrugSummary struct {
	NDC          string     `db:"ndc" json:"ndc,omitempty"`
	AveragePrice *float64   `db:"average_price" json:"average_price,omitempty"`
	MinPrice     *float64   `db:"min_price" json:"min_price,omitempty"`
	MaxPrice     *float64   `db:"max_price" json:"max_price,omitempty"`
	TotalStates  *int       `db:"total_states" json:"total_states,omitempty"`
	LastUpdated  *time.Time `db:"last_updated" json:"last_updated,omitempty"`
}

// EnrichedSummary is a summary joined with its definition for ranking views.
type EnrichedSummary struct {
	NDC          string  `json:"ndc"`
	Name         string  `json:"name"`
	Manufacturer string  `json:"manufacturer"`
	AveragePrice float64 `json:"average_price"`
	MinPrice     float64 `json:"min_price"`
	MaxPrice     float64 `json:"max_price"`
	TotalStates  int     `json:"total_states"`
}

// ProductSummary pairs a definition with its summary. Definition is nil when
// no definition matches.
type ProductSummary struct {
	Definition *DrugDefinition `json:"definition"`
	Summary    DrugSummary     `json:"summary"`
}

// Stats holds row counts for the raw store and the three derived stores.
type Stats struct {
	Raw         int64 `json:"raw"`
	Definitions int64 `json:"definitions"`
	Prices      int64 `json:"prices"`
	Summaries   int64 `json:"summaries"`
}
