package region

import (
	"slices"
	"testing"

	"github.com/manash/jimeng/internal/provider"
	"github.com/manash/jimeng/pkg/models"
)

func TestFromToken(t *testing.T) {
	tests := []struct {
		raw  string
		want provider.Session
	}{
		{"abc123", provider.Session{Token: "abc123", Region: models.RegionCN}},
		{"us-abc123", provider.Session{Token: "abc123", Region: models.RegionUS}},
		{"US-abc123", provider.Session{Token: "abc123", Region: models.RegionUS}},
		{"hk-x", provider.Session{Token: "x", Region: models.RegionHK}},
		{"jp-x", provider.Session{Token: "x", Region: models.RegionJP}},
		{" sg-x ", provider.Session{Token: "x", Region: models.RegionSG}},
		{"usx-abc", provider.Session{Token: "usx-abc", Region: models.RegionCN}},
		{"", provider.Session{Token: "", Region: models.RegionCN}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := FromToken(tt.raw); got != tt.want {
				t.Errorf("FromToken(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestContext(t *testing.T) {
	if got := Context("jp-abc"); !got.IsInternational() || got.Region != models.RegionJP {
		t.Errorf("Context() = %+v", got)
	}
	if got := Context("abc"); !got.IsDomestic() {
		t.Errorf("Context() = %+v", got)
	}
}

func TestTokens(t *testing.T) {
	got := Tokens(" a, us-b ,,c ")
	if !slices.Equal(got, []string{"a", "us-b", "c"}) {
		t.Errorf("Tokens() = %v", got)
	}
	if Tokens("") != nil {
		t.Error("Tokens(\"\") should be nil")
	}
}
