package authkit

// IndicatorSpec describes the accessible busy indicator for a slow session
// restore. Role and Live follow the ARIA status-region contract: the wait
// is announced without stealing focus.
type IndicatorSpec struct {
	Role  string
	Label string
	Live  string
}

// CheckingIndicator is the indicator a UI shows when startup checking
// outlasts ManagerConfig.IndicatorDelay.
func CheckingIndicator() IndicatorSpec {
	return IndicatorSpec{
		Role:  "status",
		Label: "checking authentication",
		Live:  "polite",
	}
}

// Notifier receives session lifecycle signals from a Manager. Typical
// wiring: route guards off StateChanged, a spinner off the indicator pair,
// a redirect to the login screen off ForcedLogout. Callbacks arrive on
// whatever goroutine resolved the event and must not block.
type Notifier interface {
	// StateChanged fires on every transition, including the forced ones.
	StateChanged(from, to State)

	// ShowCheckingIndicator fires once when checking has outlasted the
	// configured delay. HideCheckingIndicator follows the moment the
	// state resolves; it is never called for a check that stayed under
	// the delay.
	ShowCheckingIndicator(IndicatorSpec)
	HideCheckingIndicator()

	// ForcedLogout fires after the session has been torn down because the
	// refresh token stopped working. Both tokens are already cleared when
	// it runs; the receiver's job is to route the user to the login
	// screen.
	ForcedLogout(cause error)
}

// NoopNotifier ignores every signal.
type NoopNotifier struct{}

func (NoopNotifier) StateChanged(State, State)           {}
func (NoopNotifier) ShowCheckingIndicator(IndicatorSpec) {}
func (NoopNotifier) HideCheckingIndicator()              {}
func (NoopNotifier) ForcedLogout(error)                  {}
