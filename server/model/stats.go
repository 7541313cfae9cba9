package model

import "time"

// StatsSnapshot records sitewide totals at a point in time.
type StatsSnapshot struct {
	ID                    string    `json:"id"`
	TakenAt               time.Time `json:"taken_at"`
	PublishedPledges      int       `json:"published_pledges"`
	ConfirmedContributors int       `json:"confirmed_contributors"`
	TotalHours            int       `json:"total_hours"`
}
