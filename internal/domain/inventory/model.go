package inventory

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/medstock/medstock/internal/platform/clock"
)

// HistoryDays is the length of the rolling usage window. Index HistoryDays-1
// is today, index 0 the oldest day.
const HistoryDays = 7

// Field limits, in characters.
const (
	MaxNameLen         = 49
	MaxOriginLen       = 49
	MaxSpecLen         = 19
	MaxOperatorLen     = 19
	MaxPrescriptionLen = 29
	MaxPatientLen      = 49
)

const (
	DefaultRegistryCapacity = 300
	DefaultQueueCapacity    = 100
)

// WarningState is the per-record state of the low-stock state machine.
type WarningState string

const (
	StateNormal  WarningState = "normal"
	StateWarning WarningState = "warning"
)

// MedicineRecord is one catalog entry together with its stock and warning state.
type MedicineRecord struct {
	ID           int              `db:"id" json:"id"`
	Name         string           `db:"name" json:"name"`
	Origin       string           `db:"origin" json:"origin"`
	Spec         string           `db:"spec" json:"spec"`
	Stock        int              `db:"stock" json:"stock"`
	Threshold    int              `db:"warning_threshold" json:"warning_threshold"`
	LastUsage    int              `db:"last_usage" json:"last_usage"`
	UsageHistory [HistoryDays]int `db:"-" json:"usage_history"`
	IsWarning    bool             `db:"is_warning" json:"is_warning"`
	WarningTime  *time.Time       `db:"warning_time" json:"warning_time,omitempty"`
	ResponseTime *time.Time       `db:"response_time" json:"response_time,omitempty"`
}

// State reports the record's current warning state.
func (r MedicineRecord) State() WarningState {
	if r.IsWarning {
		return StateWarning
	}
	return StateNormal
}

// Validate checks the caller-supplied fields of a record.
func (r MedicineRecord) Validate() error {
	if r.ID <= 0 {
		return invalidf("id must be a positive integer, got %d", r.ID)
	}
	if err := requireText("name", r.Name, MaxNameLen); err != nil {
		return err
	}
	if err := requireText("origin", r.Origin, MaxOriginLen); err != nil {
		return err
	}
	if err := requireText("spec", r.Spec, MaxSpecLen); err != nil {
		return err
	}
	if r.Stock < 0 {
		return invalidf("stock must not be negative, got %d", r.Stock)
	}
	if r.Threshold < 0 {
		return invalidf("warning_threshold must not be negative, got %d", r.Threshold)
	}
	return nil
}

// MedicineUpdate carries optional replacements for the mutable fields of a
// record. Nil fields are left unchanged.
type MedicineUpdate struct {
	Name      *string `json:"name,omitempty"`
	Origin    *string `json:"origin,omitempty"`
	Spec      *string `json:"spec,omitempty"`
	Stock     *int    `json:"stock,omitempty"`
	Threshold *int    `json:"warning_threshold,omitempty"`
}

// apply returns a copy of r with the update merged in.
func (u MedicineUpdate) apply(r MedicineRecord) MedicineRecord {
	if u.Name != nil {
		r.Name = strings.TrimSpace(*u.Name)
	}
	if u.Origin != nil {
		r.Origin = strings.TrimSpace(*u.Origin)
	}
	if u.Spec != nil {
		r.Spec = strings.TrimSpace(*u.Spec)
	}
	if u.Stock != nil {
		r.Stock = *u.Stock
	}
	if u.Threshold != nil {
		r.Threshold = *u.Threshold
	}
	return r
}

// InboundOrder is a replenishment waiting in the inbound queue.
type InboundOrder struct {
	ID         uuid.UUID `db:"id" json:"id"`
	MedicineID int       `db:"medicine_id" json:"medicine_id"`
	Quantity   int       `db:"quantity" json:"quantity"`
	Operator   string    `db:"operator" json:"operator"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	Date       string    `db:"order_date" json:"date"`
}

// NewInboundOrder validates the inputs and stamps the order with now.
func NewInboundOrder(medicineID, quantity int, operator string, now time.Time) (InboundOrder, error) {
	if medicineID <= 0 {
		return InboundOrder{}, invalidf("medicine_id must be a positive integer, got %d", medicineID)
	}
	if quantity <= 0 {
		return InboundOrder{}, invalidf("quantity must be positive, got %d", quantity)
	}
	operator = strings.TrimSpace(operator)
	if err := requireText("operator", operator, MaxOperatorLen); err != nil {
		return InboundOrder{}, err
	}
	return InboundOrder{
		ID:         uuid.New(),
		MedicineID: medicineID,
		Quantity:   quantity,
		Operator:   operator,
		CreatedAt:  now,
		Date:       clock.Date(now),
	}, nil
}

// OutboundOrder is one dispensing event recorded in the outbound ledger.
type OutboundOrder struct {
	ID             uuid.UUID `db:"id" json:"id"`
	MedicineID     int       `db:"medicine_id" json:"medicine_id"`
	Quantity       int       `db:"quantity" json:"quantity"`
	PrescriptionNo string    `db:"prescription_no" json:"prescription_no"`
	Patient        string    `db:"patient" json:"patient,omitempty"`
	DispensedAt    time.Time `db:"dispensed_at" json:"dispensed_at"`
	Date           string    `db:"order_date" json:"date"`
}

// NewOutboundOrder validates the inputs and stamps the order with now.
// patient is optional.
func NewOutboundOrder(medicineID, quantity int, prescriptionNo, patient string, now time.Time) (OutboundOrder, error) {
	if medicineID <= 0 {
		return OutboundOrder{}, invalidf("medicine_id must be a positive integer, got %d", medicineID)
	}
	if quantity <= 0 {
		return OutboundOrder{}, invalidf("quantity must be positive, got %d", quantity)
	}
	prescriptionNo = strings.TrimSpace(prescriptionNo)
	if err := requireText("prescription_no", prescriptionNo, MaxPrescriptionLen); err != nil {
		return OutboundOrder{}, err
	}
	patient = strings.TrimSpace(patient)
	if utf8.RuneCountInString(patient) > MaxPatientLen {
		return OutboundOrder{}, invalidf("patient must be at most %d characters", MaxPatientLen)
	}
	return OutboundOrder{
		ID:             uuid.New(),
		MedicineID:     medicineID,
		Quantity:       quantity,
		PrescriptionNo: prescriptionNo,
		Patient:        patient,
		DispensedAt:    now,
		Date:           clock.Date(now),
	}, nil
}

func requireText(field, value string, max int) error {
	if strings.TrimSpace(value) == "" {
		return invalidf("%s is required", field)
	}
	if utf8.RuneCountInString(value) > max {
		return invalidf("%s must be at most %d characters", field, max)
	}
	return nil
}
