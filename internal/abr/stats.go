package abr

// SessionStats describes one registry entry.
type SessionStats struct {
	ID            string `json:"id"`
	CeilingKbps   int    `json:"ceiling_kbps"`
	CurrentSource string `json:"current_source"`
	Playing       bool   `json:"playing"`
	Released      bool   `json:"released"`
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	CeilingKbps  int            `json:"ceiling_kbps"`
	NetworkClass string         `json:"network_class"`
	Sessions     []SessionStats `json:"sessions"`
}

// Stats returns the current ceiling, network class, and registry contents.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		CeilingKbps:  c.ceilingKbps,
		NetworkClass: c.estimator.CurrentClass().String(),
		Sessions:     make([]SessionStats, 0, len(c.sessions)),
	}
	for _, s := range c.sessions {
		st.Sessions = append(st.Sessions, SessionStats{
			ID:            s.id.String(),
			CeilingKbps:   s.ceilingKbps,
			CurrentSource: s.handle.CurrentSource(),
			Playing:       isPlaying(s.handle),
			Released:      s.released,
		})
	}
	return st
}
