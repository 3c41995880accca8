package retention

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

// Grace actions understood by the lifecycle gate.
const (
	ActionView    = "view"
	ActionExport  = "export"
	ActionBilling = "billing"
	ActionAuth    = "auth"
)

// Policy is a fully resolved retention policy. Every field has a concrete value.
type Policy struct {
	LastN         int `json:"last_n"`
	DailyDays     int `json:"daily_days"`
	WeeklyWeeks   int `json:"weekly_weeks"`
	MonthlyMonths int `json:"monthly_months"`

	GraceDays           int      `json:"grace_days"`
	ArchiveDays         int      `json:"archive_days"`
	HardDeleteDays      int      `json:"hard_delete_days"`
	GraceAllowedActions []string `json:"grace_allowed_actions"`
}

// Override carries optional policy fields. A nil field inherits from the layer below.
type Override struct {
	LastN         *int `mapstructure:"last_n" json:"last_n,omitempty" validate:"omitempty,gte=0"`
	DailyDays     *int `mapstructure:"daily_days" json:"daily_days,omitempty" validate:"omitempty,gte=0"`
	WeeklyWeeks   *int `mapstructure:"weekly_weeks" json:"weekly_weeks,omitempty" validate:"omitempty,gte=0"`
	MonthlyMonths *int `mapstructure:"monthly_months" json:"monthly_months,omitempty" validate:"omitempty,gte=0"`

	GraceDays           *int     `mapstructure:"grace_days" json:"grace_days,omitempty" validate:"omitempty,gte=0"`
	ArchiveDays         *int     `mapstructure:"archive_days" json:"archive_days,omitempty" validate:"omitempty,gte=0"`
	HardDeleteDays      *int     `mapstructure:"hard_delete_days" json:"hard_delete_days,omitempty" validate:"omitempty,gte=0"`
	GraceAllowedActions []string `mapstructure:"grace_allowed_actions" json:"grace_allowed_actions,omitempty" validate:"omitempty,dive,oneof=view export billing auth"`
}

func DefaultPolicy() Policy {
	return Policy{
		LastN:               3,
		DailyDays:           7,
		WeeklyWeeks:         4,
		MonthlyMonths:       6,
		GraceDays:           30,
		ArchiveDays:         60,
		HardDeleteDays:      0,
		GraceAllowedActions: []string{ActionView, ActionExport, ActionBilling, ActionAuth},
	}
}

// Apply returns a copy of p with every non-nil field of o written over it.
func (p Policy) Apply(o Override) Policy {
	out := p
	out.GraceAllowedActions = append([]string(nil), p.GraceAllowedActions...)
	if o.LastN != nil {
		out.LastN = *o.LastN
	}
	if o.DailyDays != nil {
		out.DailyDays = *o.DailyDays
	}
	if o.WeeklyWeeks != nil {
		out.WeeklyWeeks = *o.WeeklyWeeks
	}
	if o.MonthlyMonths != nil {
		out.MonthlyMonths = *o.MonthlyMonths
	}
	if o.GraceDays != nil {
		out.GraceDays = *o.GraceDays
	}
	if o.ArchiveDays != nil {
		out.ArchiveDays = *o.ArchiveDays
	}
	if o.HardDeleteDays != nil {
		out.HardDeleteDays = *o.HardDeleteDays
	}
	if o.GraceAllowedActions != nil {
		out.GraceAllowedActions = append([]string{}, o.GraceAllowedActions...)
	}
	return out
}

// Resolve layers overrides onto base. Layers are given from lowest to highest
// precedence, so the usual call is Resolve(global, product, tenant).
func Resolve(base Policy, layers ...Override) Policy {
	out := base.Apply(Override{})
	for _, layer := range layers {
		out = out.Apply(layer)
	}
	return out
}

// IsZero reports whether the override sets no field at all.
func (o Override) IsZero() bool {
	return o.LastN == nil && o.DailyDays == nil && o.WeeklyWeeks == nil && o.MonthlyMonths == nil &&
		o.GraceDays == nil && o.ArchiveDays == nil && o.HardDeleteDays == nil && o.GraceAllowedActions == nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field bounds and the grace action catalog.
func (o Override) Validate() error {
	return validatorInstance().Struct(o)
}

func IntPtr(v int) *int { return &v }
