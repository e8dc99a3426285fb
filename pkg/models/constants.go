package models

import "time"

const (
	AssistantIDDomestic      = 513695
	AssistantIDInternational = 513641

	PlatformCode = "7"
	WebVersion   = "5.8.0"

	DraftVersion          = "3.3.4"
	DraftMinVersion       = "3.0.2"
	BlendMinVersion       = "3.2.9"
	BlendMinVersionImages = 2 // source images at which the blend ability carries its own min_version

	DefaultTier  = Tier2K
	DefaultRatio = Ratio1x1

	DefaultSampleStrength = 0.5
	DefaultTargetCount    = 4
)

// Polling budgets used by the backend job lifecycle.
const (
	PollInterval          = 5000 * time.Millisecond
	PollStableRounds      = 5
	PollMaxCount          = 900
	PollMaxCountMulti     = 600
	PollTimeout           = 900 * time.Second
	ExpectedItemsSingle   = 4
	ExpectedItemsComposed = 1
)

// Transport retry budget for transient network faults.
const (
	TransportMaxRetries = 3
	TransportRetryDelay = 5000 * time.Millisecond
)
