package domain

import "time"

// Application describes a deployable unit owning a deployment queue.
type Application struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RequireApproval bool      `json:"require_approval"`
	CreatedAt       time.Time `json:"created_at"`
}
