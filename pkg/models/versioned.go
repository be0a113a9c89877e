package models

// The store owns optimistic-lock counters through these accessors.

// GetVersion returns the record version
func (t *Task) GetVersion() int64 { return t.Version }

// SetVersion sets the record version
func (t *Task) SetVersion(v int64) { t.Version = v }

// GetVersion returns the record version
func (t *Tenant) GetVersion() int64 { return t.Version }

// SetVersion sets the record version
func (t *Tenant) SetVersion(v int64) { t.Version = v }

// GetVersion returns the record version
func (u *User) GetVersion() int64 { return u.Version }

// SetVersion sets the record version
func (u *User) SetVersion(v int64) { u.Version = v }

// GetVersion returns the record version
func (s *Session) GetVersion() int64 { return s.Version }

// SetVersion sets the record version
func (s *Session) SetVersion(v int64) { s.Version = v }

// GetVersion returns the record version
func (a *AgentDescriptor) GetVersion() int64 { return a.Version }

// SetVersion sets the record version
func (a *AgentDescriptor) SetVersion(v int64) { a.Version = v }

// GetVersion returns the record version
func (c *Collaboration) GetVersion() int64 { return c.Version }

// SetVersion sets the record version
func (c *Collaboration) SetVersion(v int64) { c.Version = v }

// GetVersion returns the record version
func (u *TenantUsage) GetVersion() int64 { return u.Version }

// SetVersion sets the record version
func (u *TenantUsage) SetVersion(v int64) { u.Version = v }
