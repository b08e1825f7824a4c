// Package project defines the project model: a named root scope that owns
// tasks and sessions by reference.
package project

import "time"

// Project is a named root scope with a working directory.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the project.
func (p *Project) Clone() *Project {
	c := *p
	return &c
}
