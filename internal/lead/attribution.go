package lead

import (
	"bytes"
	"encoding/json"
)

// UnknownCategory is the value used for any absent categorical attribute.
const UnknownCategory = "unknown"

// Attribution is the marketing context of a touch-point. Every field is
// optional; Present is false when the stored blob was empty, null or not
// parseable as a JSON object.
type Attribution struct {
	Source   string
	Medium   string
	Campaign string
	Term     string
	Content  string
	GCLID    string
	FBCLID   string
	Present  bool
}

// CampaignOrUnknown returns the campaign, or UnknownCategory when none was
// recorded.
func (a Attribution) CampaignOrUnknown() string {
	if a.Campaign == "" {
		return UnknownCategory
	}
	return a.Campaign
}

// attributionBlob accepts both the tracker's utm_* keys and bare names.
type attributionBlob struct {
	UTMSource   *string `json:"utm_source"`
	UTMMedium   *string `json:"utm_medium"`
	UTMCampaign *string `json:"utm_campaign"`
	UTMTerm     *string `json:"utm_term"`
	UTMContent  *string `json:"utm_content"`
	Source      *string `json:"source"`
	Medium      *string `json:"medium"`
	Campaign    *string `json:"campaign"`
	Term        *string `json:"term"`
	Content     *string `json:"content"`
	GCLID       *string `json:"gclid"`
	FBCLID      *string `json:"fbclid"`
}

// ParseAttribution decodes a stored attribution blob. Malformed input is
// never an error: it yields the zero Attribution, whose campaign reads as
// UnknownCategory.
func ParseAttribution(raw []byte) Attribution {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Attribution{}
	}
	// Some writers double-encode the blob as a JSON string.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Attribution{}
		}
		return ParseAttribution([]byte(inner))
	}
	if raw[0] != '{' {
		return Attribution{}
	}
	var blob attributionBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return Attribution{}
	}
	return Attribution{
		Source:   first(blob.Source, blob.UTMSource),
		Medium:   first(blob.Medium, blob.UTMMedium),
		Campaign: first(blob.Campaign, blob.UTMCampaign),
		Term:     first(blob.Term, blob.UTMTerm),
		Content:  first(blob.Content, blob.UTMContent),
		GCLID:    first(blob.GCLID),
		FBCLID:   first(blob.FBCLID),
		Present:  true,
	}
}

func first(values ...*string) string {
	for _, v := range values {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}
