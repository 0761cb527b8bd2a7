// Package model defines the data structures shared by the storage and HTTP
// layers.
package model

import "time"

// Script is a piece of source saved under a user-chosen key.
//
// List results leave Code empty and only report its Size.
type Script struct {
	Key       string    `json:"key"`
	Code      string    `json:"code,omitempty"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
