package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPolicyViolation           = errors.New("policy violation")
	ErrUnsupportedModelForRegion = errors.New("model not supported in region")
	ErrUnsupportedResolution     = errors.New("unsupported resolution")
	ErrUnsupportedRatio          = errors.New("unsupported ratio")
	ErrEmptyPrompt               = errors.New("prompt cannot be empty")
	ErrNoSourceImages            = errors.New("at least one source image is required")
)

// PolicyViolation carries the rejected value and the set the caller may
// choose from instead.
type PolicyViolation struct {
	Kind      error
	Value     string
	Region    Region
	Supported []string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("%v: %q (region %s), supported: %s",
		e.Kind, e.Value, e.Region, strings.Join(e.Supported, ", "))
}

func (e *PolicyViolation) Unwrap() error {
	return e.Kind
}

func (e *PolicyViolation) Is(target error) bool {
	return target == ErrPolicyViolation
}

func NewPolicyViolation(kind error, value string, region Region, supported []string) *PolicyViolation {
	return &PolicyViolation{Kind: kind, Value: value, Region: region, Supported: supported}
}
