package types

// Site is the root of the site/zone/assignment hierarchy.
type Site struct {
	Token       string            `json:"token"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	ImageURL    string            `json:"imageUrl,omitempty"`
	Map         SiteMapData       `json:"map"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Audit
}

// SiteMapData describes how a site is rendered on a map.
type SiteMapData struct {
	Type     string            `json:"type,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SiteCreateRequest creates or updates a site. On update, empty strings and
// nil maps leave the stored value unchanged.
type SiteCreateRequest struct {
	Token       string            `json:"token,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	ImageURL    string            `json:"imageUrl,omitempty"`
	Map         *SiteMapData      `json:"map,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Coordinate is a point on a zone boundary.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation,omitempty"`
}

// Zone is a bounded area within a site.
type Zone struct {
	Token       string            `json:"token"`
	SiteToken   string            `json:"siteToken"`
	Name        string            `json:"name"`
	Coordinates []Coordinate      `json:"coordinates,omitempty"`
	BorderColor string            `json:"borderColor,omitempty"`
	FillColor   string            `json:"fillColor,omitempty"`
	Opacity     float64           `json:"opacity,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Audit
}

// ZoneCreateRequest creates or updates a zone.
type ZoneCreateRequest struct {
	Token       string            `json:"token,omitempty"`
	Name        string            `json:"name"`
	Coordinates []Coordinate      `json:"coordinates,omitempty"`
	BorderColor string            `json:"borderColor,omitempty"`
	FillColor   string            `json:"fillColor,omitempty"`
	Opacity     *float64          `json:"opacity,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
