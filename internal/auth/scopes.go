package auth

// Known OAuth scopes used by the tracking API.
const (
	ScopeTrackedWrite = "tracked:write"
	ScopeTrackedRead  = "tracked:read"
	ScopeAdmin        = "admin"
)
