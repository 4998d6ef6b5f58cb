package domain

import "time"

type PlaybackPosition struct {
	Viewer    string    `json:"viewer"`
	ObjectID  ObjectID  `json:"objectId"`
	Position  float64   `json:"position"`
	Duration  float64   `json:"duration"`
	UpdatedAt time.Time `json:"updatedAt"`
}
