package geofence

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates geofence shapes.
type Kind string

const (
	KindCircle  Kind = "circle"
	KindPolygon Kind = "polygon"
)

// TransitionKind enumerates membership transitions.
type TransitionKind string

const (
	TransitionEnter TransitionKind = "enter"
	TransitionExit  TransitionKind = "exit"
)

var (
	// ErrInvalidGeofence indicates that a geofence definition is unusable.
	ErrInvalidGeofence = errors.New("geofence: invalid geofence")
)

// Geofence is a family-scoped region whose membership is tracked per user.
type Geofence struct {
	ID           string   `gorm:"column:id;primaryKey;size:64" json:"id"`
	FamilyID     string   `gorm:"column:family_id;size:190;not null;index:idx_geofences_family_active,priority:1" json:"family_id"`
	Name         string   `gorm:"column:name;size:190;not null" json:"name"`
	Kind         Kind     `gorm:"column:type;size:16;not null" json:"type"`
	CenterLat    *float64 `gorm:"column:center_lat" json:"center_lat,omitempty"`
	CenterLng    *float64 `gorm:"column:center_lng" json:"center_lng,omitempty"`
	RadiusMeters *float64 `gorm:"column:radius_m" json:"radius_m,omitempty"`
	Polygon      []Point  `gorm:"column:polygon;serializer:json" json:"polygon,omitempty"`
	Active       bool     `gorm:"column:active;not null;index:idx_geofences_family_active,priority:2" json:"active"`
	CreatedAtMs  int64    `gorm:"column:created_at_ms;not null" json:"created_at_ms"`
}

// TableName exposes the table backing geofences.
func (Geofence) TableName() string {
	return "geofences"
}

// Contains reports whether the point lies inside the geofence.
func (g Geofence) Contains(point Point) bool {
	switch g.Kind {
	case KindCircle:
		if g.CenterLat == nil || g.CenterLng == nil || g.RadiusMeters == nil {
			return false
		}
		return InCircle(Point{Lat: *g.CenterLat, Lng: *g.CenterLng}, *g.RadiusMeters, point)
	case KindPolygon:
		return InPolygon(g.Polygon, point)
	default:
		return false
	}
}

// State is the membership of one user in one geofence. Exactly one of
// EnteredAtMs and ExitedAtMs is set, matching IsInside.
type State struct {
	GeofenceID  string `gorm:"column:geofence_id;primaryKey;size:64"`
	UserID      string `gorm:"column:user_id;primaryKey;size:190"`
	FamilyID    string `gorm:"column:family_id;size:190;not null;index"`
	IsInside    bool   `gorm:"column:is_inside;not null"`
	EnteredAtMs *int64 `gorm:"column:entered_at_ms"`
	ExitedAtMs  *int64 `gorm:"column:exited_at_ms"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName exposes the table backing geofence states.
func (State) TableName() string {
	return "geofence_states"
}

// Event records a single enter or exit transition.
type Event struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement"`
	GeofenceID   string         `gorm:"column:geofence_id;size:64;not null;index"`
	FamilyID     string         `gorm:"column:family_id;size:190;not null;index:idx_geofence_events_family_occurred,priority:1"`
	UserID       string         `gorm:"column:user_id;size:190;not null"`
	Kind         TransitionKind `gorm:"column:kind;size:8;not null"`
	Lat          float64        `gorm:"column:lat;not null"`
	Lng          float64        `gorm:"column:lng;not null"`
	OccurredAtMs int64          `gorm:"column:occurred_at_ms;not null;index:idx_geofence_events_family_occurred,priority:2"`
}

// TableName exposes the table backing geofence events.
func (Event) TableName() string {
	return "geofence_events"
}

// Definition is the input for creating a geofence.
type Definition struct {
	Name         string   `json:"name" validate:"required,max=190"`
	Kind         Kind     `json:"type" validate:"required,oneof=circle polygon"`
	CenterLat    *float64 `json:"center_lat" validate:"omitempty,latitude"`
	CenterLng    *float64 `json:"center_lng" validate:"omitempty,longitude"`
	RadiusMeters *float64 `json:"radius_m" validate:"omitempty,gt=0,lte=100000"`
	Polygon      []Point  `json:"polygon" validate:"omitempty,dive"`
}

func (d Definition) normalized() Definition {
	d.Name = strings.TrimSpace(d.Name)
	d.Kind = Kind(strings.ToLower(strings.TrimSpace(string(d.Kind))))
	return d
}

func invalidDefinition(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidGeofence, reason)
}
