package config

const (
	DefaultListen         = "127.0.0.1:8000"
	DefaultAdminAddr      = "127.0.0.1:9090"
	DefaultAuditQueueSize = 1024
	DefaultAuditMaxMemory = 10000
)

// DefaultAuditDir returns the default audit log directory path.
func DefaultAuditDir() string {
	return "~/.wafguard/audit"
}
