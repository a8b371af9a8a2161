package params

import "time"

const (
	ServerBodyLimit    = 1048576 // 1 MiB
	ServerIdleTimeout  = 30 * time.Second
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 60 * time.Second // archive downloads and exports can be large
	APIVersion         = "1.0"

	HealthCheckServerAddr = ":3001" // health check and metrics server address

	AuditMessageMaxLength  = 500              // storage bound of AuditEvent.Message, in runes
	AuditActionMaxLength   = 100              // storage bound of AuditEvent.Action, in runes
	AuditUserIDMaxLength   = 450              // storage bound of AuditEvent.UserID
	AuditIPMaxLength       = 45               // storage bound of AuditEvent.IPAddress
	AuditWriteTimeout      = 5 * time.Second  // upper bound of a single audit insert
	AnonymousActorID       = "anonymous"      // actor id when no authenticated principal exists
	SystemActorID          = "SYSTEM"         // actor id for background jobs
	CleanupIntervalDefault = 24 * time.Hour   // sleep between two cleanup cycles
	CleanupRetryDelay      = 1 * time.Hour    // sleep after a failed cleanup cycle
	CleanupDeleteChunkSize = 500              // ids per DELETE ... WHERE id IN (...)
	ManualRetentionMinDays = 1                // lower bound of a manual cleanup request
	ManualRetentionMaxDays = 3650             // upper bound of a manual cleanup request
	ExportMaxRecords       = 10000            // hard cap of an ad-hoc export
	QueryDefaultPageSize   = 20               // page size when the caller omits it
	QueryMaxPageSize       = 100              // largest page a caller may request
	StatsTopActions        = 10               // number of actions in stats top list
	StatsMonths            = 6                // number of months in stats distribution
	StatsCacheKey          = "audit:stats"    // cache key of the aggregated stats
	StatsCacheTTLDefault   = 1 * time.Minute  // stats cache lifetime
	ArchiveFilePrefix      = "audit_archive_" // every archive file name starts with this
	ArchiveTimeLayout      = "20060102_150405"
	ArchiveTopActions      = 5 // number of actions in archive metadata statistics
	ArchiveDirDefault      = "./archives"
	ArchivePruneDefault    = "@daily"
	ArchiveMaxAgeMaxDays   = 36500 // upper bound of an archive max age
)
