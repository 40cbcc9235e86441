// Package model defines the game-world records shared by the snapshot,
// enrichment, scoring and raid packages.
package model

import "time"

// Alliance positions reported by the game. Anything else (for example
// APPLICANT or an empty string) is treated as a non-member.
const (
	PositionMember    = "MEMBER"
	PositionOfficer   = "OFFICER"
	PositionHeir      = "HEIR"
	PositionLeader    = "LEADER"
	PositionApplicant = "APPLICANT"
)

// UnknownRank is used when a nation's alliance has no recorded rank.
const UnknownRank = 999

// Nation is one nation from a daily snapshot generation.
type Nation struct {
	ID               int       `json:"id"`
	Name             string    `json:"name"`
	Leader           string    `json:"leader"`
	Score            float64   `json:"score"`
	Cities           int       `json:"cities"`
	AllianceID       int       `json:"alliance_id"`
	AllianceName     string    `json:"alliance_name,omitempty"`
	AlliancePosition string    `json:"alliance_position,omitempty"`
	AllianceRank     int       `json:"alliance_rank,omitempty"`
	Color            string    `json:"color"`
	VacationTurns    int       `json:"vacation_turns"`
	BeigeTurns       int       `json:"beige_turns"`
	Military         Military  `json:"military"`
	CreatedAt        string    `json:"created_at,omitempty"`
	LastActive       time.Time `json:"last_active,omitempty"`
}

// InVacationMode reports whether the nation is currently in vacation mode.
func (n Nation) InVacationMode() bool {
	return n.VacationTurns > 0
}

// IsMemberPosition reports whether an alliance position counts as full
// membership for targeting purposes.
func IsMemberPosition(position string) bool {
	switch position {
	case PositionMember, PositionOfficer, PositionHeir, PositionLeader:
		return true
	default:
		return false
	}
}

// Military holds unit counts.
type Military struct {
	Soldiers int `json:"soldiers"`
	Tanks    int `json:"tanks"`
	Aircraft int `json:"aircraft"`
	Ships    int `json:"ships"`
	Spies    int `json:"spies"`
	Missiles int `json:"missiles"`
	Nukes    int `json:"nukes"`
}

// Alliance is an alliance row from the snapshot.
type Alliance struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// War is a war row from the snapshot.
type War struct {
	ID         int    `json:"id"`
	AttackerID int    `json:"attacker_id"`
	DefenderID int    `json:"defender_id"`
	Type       string `json:"type,omitempty"`
	Reason     string `json:"reason,omitempty"`
	TurnsLeft  int    `json:"turns_left"`
	Status     string `json:"status,omitempty"`
}

// Active reports whether the war is still running.
func (w War) Active() bool {
	if w.Status != "" {
		return w.Status == "active" || w.Status == "ongoing"
	}
	return w.TurnsLeft > 0
}

// WarCounts aggregates active wars for one nation.
type WarCounts struct {
	Offensive int `json:"offensive"`
	Defensive int `json:"defensive"`
}
