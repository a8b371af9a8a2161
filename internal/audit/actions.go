package audit

// Known action tags. The vocabulary is open: callers may record any tag, but
// retention policies are written against these.
const (
	ActionLoginSuccess       = "LOGIN_SUCCESS"
	ActionLoginFailed        = "LOGIN_FAILED"
	ActionLogout             = "LOGOUT"
	ActionUserRegistered     = "USER_REGISTERED"
	ActionBookViewed         = "BOOK_VIEWED"
	ActionBookDownloaded     = "BOOK_DOWNLOADED"
	ActionBookUploaded       = "BOOK_UPLOADED"
	ActionBookCreated        = "BOOK_CREATED"
	ActionBookUpdated        = "BOOK_UPDATED"
	ActionBookDeleted        = "BOOK_DELETED"
	ActionBookRated          = "BOOK_RATED"
	ActionCommentCreated     = "COMMENT_CREATED"
	ActionCommentDeleted     = "COMMENT_DELETED"
	ActionUnauthorizedAccess = "UNAUTHORIZED_ACCESS"
	ActionSystemError        = "SYSTEM_ERROR"
	ActionAuditCleanup       = "AUDIT_CLEANUP"
	ActionAuditExported      = "AUDIT_EXPORTED"
	ActionArchiveDownloaded  = "ARCHIVE_DOWNLOADED"
	ActionArchivesPruned     = "ARCHIVES_PRUNED"
)
