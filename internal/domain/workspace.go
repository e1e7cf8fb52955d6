package domain

import "time"

// ResourceKind identifies a metered resource tracked per workspace.
type ResourceKind string

const (
	// ResourceLeads meters lead extraction volume.
	ResourceLeads ResourceKind = "leads"
	// ResourceConsultas meters individual enrichment lookups.
	ResourceConsultas ResourceKind = "consultas"
)

// Valid reports whether the kind is a known resource.
func (k ResourceKind) Valid() bool {
	return k == ResourceLeads || k == ResourceConsultas
}

// PlanFlags gates features by subscription plan.
type PlanFlags struct {
	ConsultaAccess   bool
	ExtractionAccess bool
}

// Workspace is the tenant that owns funnels, leads and a quota allotment.
// Consumed counters are mutated only through the quota ledger and reset
// monthly by an external job.
type Workspace struct {
	ID                string
	Name              string
	LeadsLimit        int
	LeadsConsumed     int
	ConsultasLimit    int
	ConsultasConsumed int
	Plan              PlanFlags
	CreatedAt         time.Time
}

// Limit returns the monthly limit for the given resource kind.
func (w Workspace) Limit(kind ResourceKind) int {
	if kind == ResourceLeads {
		return w.LeadsLimit
	}
	return w.ConsultasLimit
}

// Consumed returns the consumed total for the given resource kind.
func (w Workspace) Consumed(kind ResourceKind) int {
	if kind == ResourceLeads {
		return w.LeadsConsumed
	}
	return w.ConsultasConsumed
}
