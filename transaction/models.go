package transaction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role tags a participant's part in a transaction.
type Role string

const (
	RoleAgent        Role = "agent"
	RoleBuyer        Role = "buyer"
	RoleSeller       Role = "seller"
	RoleTitleCompany Role = "title_company"
	RoleBroker       Role = "broker"
	RoleAttorney     Role = "attorney"
	RoleLender       Role = "lender"
)

var (
	ErrAgentRequired    = errors.New("transaction: exactly one agent participant is required")
	ErrDuplicateRole    = errors.New("transaction: role already filled")
	ErrParticipantKey   = errors.New("transaction: participant key required")
	ErrInvalidRole      = errors.New("transaction: invalid participant role")
	ErrNegativeAmount   = errors.New("transaction: monetary amounts must not be negative")
	ErrCommissionBounds = errors.New("transaction: commission rate must be between 0 and 100")
)

func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleBuyer, RoleSeller, RoleTitleCompany, RoleBroker, RoleAttorney, RoleLender:
		return true
	default:
		return false
	}
}

// Participant references an identity owned by the identity provider. Key is
// opaque to the engine. Email and Phone are optional delivery destinations.
type Participant struct {
	Key   string
	Role  Role
	Email string
	Phone string
}

// Milestones holds the key dates of a deal. Each is optional.
type Milestones struct {
	ContractDate           *time.Time
	InspectionDate         *time.Time
	AppraisalDate          *time.Time
	MortgageCommitmentDate *time.Time
	AttorneyReviewDate     *time.Time
	ClosingDate            *time.Time
}

// Transaction is the aggregate root of a deal.
type Transaction struct {
	ID              string
	Status          Status
	CancelledFrom   Status
	Version         int64
	PropertyAddress string
	Participants    []Participant
	Milestones      Milestones
	ListPrice       decimal.NullDecimal
	SalePrice       decimal.NullDecimal
	CommissionRate  decimal.NullDecimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Progress is the display progress of the transaction in [0,100].
func (t Transaction) Progress() int {
	return ProgressPercent(t.Status, t.CancelledFrom)
}

// Participant returns the participant holding role, if any.
func (t Transaction) Participant(role Role) (Participant, bool) {
	for _, p := range t.Participants {
		if p.Role == role {
			return p, true
		}
	}
	return Participant{}, false
}

// Agent returns the transaction's single agent.
func (t Transaction) Agent() (Participant, bool) {
	return t.Participant(RoleAgent)
}

// CommissionAmount is SalePrice * CommissionRate / 100, rounded to cents.
// It reports false when either input is unset.
func (t Transaction) CommissionAmount() (decimal.Decimal, bool) {
	if !t.SalePrice.Valid || !t.CommissionRate.Valid {
		return decimal.Zero, false
	}
	return t.SalePrice.Decimal.Mul(t.CommissionRate.Decimal).Div(decimal.NewFromInt(100)).Round(2), true
}

// CreateParams describes a new draft transaction.
type CreateParams struct {
	ID              string
	PropertyAddress string
	Participants    []Participant
	Milestones      Milestones
	ListPrice       decimal.NullDecimal
	SalePrice       decimal.NullDecimal
	CommissionRate  decimal.NullDecimal
}

// Validate enforces the participant and money invariants.
func (p CreateParams) Validate() error {
	if err := ValidateParticipants(p.Participants); err != nil {
		return err
	}
	for _, amount := range []decimal.NullDecimal{p.ListPrice, p.SalePrice} {
		if amount.Valid && amount.Decimal.IsNegative() {
			return ErrNegativeAmount
		}
	}
	if p.CommissionRate.Valid {
		rate := p.CommissionRate.Decimal
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
			return ErrCommissionBounds
		}
	}
	return nil
}

// ValidateParticipants checks that keys are present, roles are known, each
// role appears at most once and exactly one agent exists.
func ValidateParticipants(participants []Participant) error {
	seen := make(map[Role]bool, len(participants))
	for _, p := range participants {
		if strings.TrimSpace(p.Key) == "" {
			return ErrParticipantKey
		}
		if !p.Role.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidRole, p.Role)
		}
		if seen[p.Role] {
			return fmt.Errorf("%w: %s", ErrDuplicateRole, p.Role)
		}
		seen[p.Role] = true
	}
	if !seen[RoleAgent] {
		return ErrAgentRequired
	}
	return nil
}
