// Package signals maps consent categories onto the seven-key consent
// signal vector consumed by tag managers.
package signals

import "consentry/internal/consent/models"

type Signal string

const (
	AnalyticsStorage       Signal = "analytics_storage"
	AdStorage              Signal = "ad_storage"
	AdUserData             Signal = "ad_user_data"
	AdPersonalization      Signal = "ad_personalization"
	FunctionalityStorage   Signal = "functionality_storage"
	PersonalizationStorage Signal = "personalization_storage"
	SecurityStorage        Signal = "security_storage"
)

// AllSignals is the complete key set of a Vector.
var AllSignals = []Signal{
	AnalyticsStorage,
	AdStorage,
	AdUserData,
	AdPersonalization,
	FunctionalityStorage,
	PersonalizationStorage,
	SecurityStorage,
}

type Value string

const (
	Granted Value = "granted"
	Denied  Value = "denied"
)

func grantedIf(b bool) Value {
	if b {
		return Granted
	}
	return Denied
}

// Category keys the mapping reads.
const (
	CategoryNecessary   = "necessary"
	CategoryPreferences = "preferences"
	CategoryStatistics  = "statistics"
	CategoryMarketing   = "marketing"
)

// Vector always carries exactly the keys in AllSignals.
type Vector map[Signal]Value

// Defaults are the configured starting values; missing or malformed
// entries count as denied.
type Defaults map[Signal]Value

// DefaultsFromConfig converts the options file representation.
func DefaultsFromConfig(raw map[string]string) Defaults {
	d := make(Defaults, len(raw))
	for k, v := range raw {
		d[Signal(k)] = Value(v)
	}
	return d
}

// Map derives the signal vector for a set of category choices. It has no
// side effects; dispatching the result is the caller's job.
func Map(states models.States, defaults Defaults) Vector {
	v := make(Vector, len(AllSignals))
	for _, s := range AllSignals {
		switch d := defaults[s]; d {
		case Granted, Denied:
			v[s] = d
		default:
			v[s] = Denied
		}
	}

	v[AnalyticsStorage] = grantedIf(states[CategoryStatistics])

	marketing := grantedIf(states[CategoryMarketing])
	v[AdStorage] = marketing
	v[AdUserData] = marketing
	v[AdPersonalization] = marketing

	v[FunctionalityStorage] = grantedIf(states[CategoryPreferences] || states[CategoryNecessary])
	v[SecurityStorage] = Granted
	return v
}
