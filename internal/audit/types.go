package audit

// EventType represents the type of provider event.
type EventType string

const (
	EventProviderActivated EventType = "PROVIDER_ACTIVATED"
	EventProviderFallback  EventType = "PROVIDER_FALLBACK"
	EventProviderCooldown  EventType = "PROVIDER_COOLDOWN"
	EventProviderRecovered EventType = "PROVIDER_RECOVERED"
	EventProviderDisabled  EventType = "PROVIDER_DISABLED"
	EventProviderEnabled   EventType = "PROVIDER_ENABLED"
	EventProviderAuthError EventType = "PROVIDER_AUTH_ERROR"
	EventProviderCycled    EventType = "PROVIDER_CYCLED"
	EventSystemStartup     EventType = "SYSTEM_STARTUP"
)

// ValidEventType reports whether the string names a known event type.
func ValidEventType(value string) bool {
	switch EventType(value) {
	case EventProviderActivated, EventProviderFallback, EventProviderCooldown,
		EventProviderRecovered, EventProviderDisabled, EventProviderEnabled,
		EventProviderAuthError, EventProviderCycled, EventSystemStartup:
		return true
	}
	return false
}
