package internaldefs

import (
	authkit "github.com/cadenzr/authkit"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   authkit.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for export.
type HistogramDef struct {
	ID   authkit.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authkit.MetricLoginSuccess, Name: "authkit_login_success_total", Help: "Successful logins."},
	{ID: authkit.MetricLoginFailure, Name: "authkit_login_failure_total", Help: "Failed login attempts."},
	{ID: authkit.MetricLoginLocked, Name: "authkit_login_locked_total", Help: "Login attempts refused by an active lockout."},
	{ID: authkit.MetricSecondFactorRequired, Name: "authkit_second_factor_required_total", Help: "Logins answered with a second-factor challenge."},
	{ID: authkit.MetricSecondFactorSuccess, Name: "authkit_second_factor_success_total", Help: "Second-factor challenges answered correctly."},
	{ID: authkit.MetricSecondFactorFailure, Name: "authkit_second_factor_failure_total", Help: "Failed second-factor confirmations."},
	{ID: authkit.MetricRefreshSuccess, Name: "authkit_refresh_success_total", Help: "Successful refresh-token rotations."},
	{ID: authkit.MetricRefreshFailure, Name: "authkit_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: authkit.MetricRefreshReuse, Name: "authkit_refresh_reuse_total", Help: "Refresh-token reuse detections."},
	{ID: authkit.MetricLogout, Name: "authkit_logout_total", Help: "Single-session logouts."},
	{ID: authkit.MetricSessionCreated, Name: "authkit_session_created_total", Help: "Created sessions."},
	{ID: authkit.MetricSessionInvalidated, Name: "authkit_session_invalidated_total", Help: "Invalidated sessions."},
	{ID: authkit.MetricTwoFactorSetupStarted, Name: "authkit_twofactor_setup_started_total", Help: "Two-factor enrollments begun."},
	{ID: authkit.MetricTwoFactorEnabled, Name: "authkit_twofactor_enabled_total", Help: "Two-factor enrollments activated."},
	{ID: authkit.MetricTwoFactorDisabled, Name: "authkit_twofactor_disabled_total", Help: "Two-factor disable operations."},
	{ID: authkit.MetricBackupCodeUsed, Name: "authkit_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: authkit.MetricBackupCodesRegenerated, Name: "authkit_backup_codes_regenerated_total", Help: "Backup-code set regenerations."},
	{ID: authkit.MetricResetRequested, Name: "authkit_reset_requested_total", Help: "Password reset requests."},
	{ID: authkit.MetricResetRateLimited, Name: "authkit_reset_rate_limited_total", Help: "Rate-limited password reset requests."},
	{ID: authkit.MetricResetConsumed, Name: "authkit_reset_consumed_total", Help: "Consumed password reset tokens."},
	{ID: authkit.MetricResetRejected, Name: "authkit_reset_rejected_total", Help: "Rejected password reset consumptions."},
	{ID: authkit.MetricPasswordChanged, Name: "authkit_password_changed_total", Help: "Password changes."},
}

var HistogramDefs = []HistogramDef{
	{ID: authkit.MetricRefreshLatency, Name: "authkit_refresh_latency_seconds", Help: "Refresh latency histogram."},
}

// HistogramBounds are the bucket upper bounds in seconds, matching the
// engine's millisecond buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds flattened for metric names that
// cannot carry labels.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw snapshot slice to the fixed
// bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the cumulative form both
// exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
