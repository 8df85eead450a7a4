package metering

// UserRecord is the durable per-user metering state: limits, window counters,
// and the billing deltas consumed by the reconciler. The quota store owns the
// serialized representation; callers always operate on a freshly loaded
// snapshot and write it back through a conditional read-modify-write.
type UserRecord struct {
	// Limits maps each metered model to its window limits.
	Limits map[Model]WindowLimits `json:"limits"`

	// Used maps each metered model to its current window counters.
	Used map[Model]WindowUsage `json:"used"`

	// UsageSinceLastRecord accumulates usage points per model since the last
	// billing report. Window resets never touch it; only the billing
	// reconciler decrements it, modulo the billing unit.
	UsageSinceLastRecord map[Model]int64 `json:"usage_since_last_record"`

	// PendingReports holds at most one in-flight billing report per model.
	// An entry is created in the same conditional write that removes the
	// claimed amount from the delta and cleared only once the external
	// report is confirmed, so every retry carries the same key and quantity.
	PendingReports map[Model]*PendingReport `json:"pending_reports,omitempty"`

	// BillingCustomerID is the external billing customer reference.
	// Nil means metering is disabled for this user.
	BillingCustomerID *string `json:"billing_customer_id,omitempty"`

	// Disabled marks an inactive user; admission always denies.
	Disabled bool `json:"disabled,omitempty"`
}

// PendingReport is a billing report claimed from a model's delta but not yet
// confirmed by the external billing system. ID doubles as the report's
// idempotency key.
type PendingReport struct {
	ID       string `json:"id"`
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

// NewUserRecord builds a record from structural defaults: every model in the
// default table gets zeroed counters and the default limits.
func NewUserRecord(defaults map[Model]WindowLimits) *UserRecord {
	r := &UserRecord{
		Limits:               make(map[Model]WindowLimits, len(defaults)),
		Used:                 make(map[Model]WindowUsage, len(defaults)),
		UsageSinceLastRecord: make(map[Model]int64, len(defaults)),
	}
	for m, l := range defaults {
		r.Limits[m] = l
		r.Used[m] = WindowUsage{}
		r.UsageSinceLastRecord[m] = 0
	}
	return r
}

// MergeDefaults injects the default skeleton under the record: every model
// present in defaults but absent in the stored record receives the default
// limits and zeroed counters. Values already present are never overwritten,
// so schema evolution adds new models without discarding existing counters.
// It also restores the invariant that every model in Limits has entries in
// Used and UsageSinceLastRecord.
func (r *UserRecord) MergeDefaults(defaults map[Model]WindowLimits) {
	if r.Limits == nil {
		r.Limits = make(map[Model]WindowLimits, len(defaults))
	}
	if r.Used == nil {
		r.Used = make(map[Model]WindowUsage, len(defaults))
	}
	if r.UsageSinceLastRecord == nil {
		r.UsageSinceLastRecord = make(map[Model]int64, len(defaults))
	}
	for m, l := range defaults {
		if _, ok := r.Limits[m]; !ok {
			r.Limits[m] = l
		}
	}
	for m := range r.Limits {
		if _, ok := r.Used[m]; !ok {
			r.Used[m] = WindowUsage{}
		}
		if _, ok := r.UsageSinceLastRecord[m]; !ok {
			r.UsageSinceLastRecord[m] = 0
		}
	}
}

// MeteringEnabled returns true if the user has a billing identity
func (r *UserRecord) MeteringEnabled() bool {
	return r.BillingCustomerID != nil
}

// Remaining computes the remaining capacity for a model across all configured
// windows. A window with limit 0 short-circuits to 0 (fully blocked). With no
// configured window the result is nil (unbounded); otherwise it is the
// minimum of max(0, limit-used) over the configured windows.
func (r *UserRecord) Remaining(model Model) *int64 {
	limits, ok := r.Limits[model]
	if !ok {
		zero := int64(0)
		return &zero
	}
	used := r.Used[model]

	var remaining *int64
	consider := func(limit *int64, current int64) {
		if limit == nil {
			return
		}
		left := *limit - current
		if left < 0 {
			left = 0
		}
		if remaining == nil || left < *remaining {
			remaining = &left
		}
	}
	if limits.Minute != nil && *limits.Minute == 0 {
		zero := int64(0)
		return &zero
	}
	if limits.Day != nil && *limits.Day == 0 {
		zero := int64(0)
		return &zero
	}
	consider(limits.Minute, used.Minute)
	consider(limits.Day, used.Day)
	return remaining
}

// AtWindowLimit returns true if any configured window is already at or above
// its limit. The comparison ignores any amount about to be consumed.
func (r *UserRecord) AtWindowLimit(model Model) bool {
	limits, ok := r.Limits[model]
	if !ok {
		return true
	}
	used := r.Used[model]
	if limits.Minute != nil && used.Minute >= *limits.Minute {
		return true
	}
	if limits.Day != nil && used.Day >= *limits.Day {
		return true
	}
	return false
}

// ApplyUsage adds amount to every window counter for the model and to the
// billing delta. Zero amounts are a no-op. This is the only place usage
// counters grow.
func (r *UserRecord) ApplyUsage(model Model, amount int64) {
	if amount == 0 {
		return
	}
	used := r.Used[model]
	used.Minute += amount
	used.Day += amount
	r.Used[model] = used
	r.UsageSinceLastRecord[model] += amount
}

// RevertUsage subtracts a previously pre-charged amount from the window
// counters, flooring at zero. Billing deltas are intentionally untouched so
// reported billing units stay monotone.
func (r *UserRecord) RevertUsage(model Model, amount int64) {
	if amount <= 0 {
		return
	}
	used := r.Used[model]
	used.Minute -= amount
	if used.Minute < 0 {
		used.Minute = 0
	}
	used.Day -= amount
	if used.Day < 0 {
		used.Day = 0
	}
	r.Used[model] = used
}

// ClaimReport moves the whole-unit part of the model's billing delta into a
// pending report. An existing pending report is returned unchanged so a
// retry reuses its exact key and quantity. Nil means nothing is reportable.
func (r *UserRecord) ClaimReport(model Model, id, itemID string, unitSize int64) *PendingReport {
	if pending, ok := r.PendingReports[model]; ok {
		return pending
	}
	quantity := r.UsageSinceLastRecord[model] / unitSize
	if quantity <= 0 {
		return nil
	}
	if r.PendingReports == nil {
		r.PendingReports = make(map[Model]*PendingReport)
	}
	pending := &PendingReport{ID: id, ItemID: itemID, Quantity: quantity}
	r.PendingReports[model] = pending
	r.UsageSinceLastRecord[model] -= quantity * unitSize
	return pending
}

// ClearReport discards the model's pending report once it is confirmed
func (r *UserRecord) ClearReport(model Model) {
	delete(r.PendingReports, model)
}

// ResetMinute zeroes every model's minute counter
func (r *UserRecord) ResetMinute() {
	for m, used := range r.Used {
		used.Minute = 0
		r.Used[m] = used
	}
}

// ResetDay zeroes every model's day counter
func (r *UserRecord) ResetDay() {
	for m, used := range r.Used {
		used.Day = 0
		r.Used[m] = used
	}
}
