package autofix

import "smartlog/internal/model"

// Action is one remediation step. The set is closed; every value has a
// handler in actionHandlers.
type Action string

const (
	ActionEnableCache        Action = "enable_cache"
	ActionShowLoading        Action = "show_loading"
	ActionTimeoutHandler     Action = "timeout_handler"
	ActionHighlightField     Action = "highlight_field"
	ActionShowPersianMessage Action = "show_persian_message"
	ActionRetryWithChunks    Action = "retry_with_chunks"
	ActionCompressImage      Action = "compress_image"
	ActionRefreshSession     Action = "refresh_session"
	ActionShowWarning        Action = "show_warning"
	ActionGarbageCollect     Action = "garbage_collect"
	ActionShowHelp           Action = "show_help"
	ActionSimplifyUI         Action = "simplify_ui"
)

var allActions = []Action{
	ActionEnableCache,
	ActionShowLoading,
	ActionTimeoutHandler,
	ActionHighlightField,
	ActionShowPersianMessage,
	ActionRetryWithChunks,
	ActionCompressImage,
	ActionRefreshSession,
	ActionShowWarning,
	ActionGarbageCollect,
	ActionShowHelp,
	ActionSimplifyUI,
}

// Entry describes how an issue type is remediated. Actions run in order.
type Entry struct {
	IssueType       model.IssueType `json:"issue_type"`
	AutoFixable     bool            `json:"auto_fixable"`
	Actions         []Action        `json:"actions"`
	Description     string          `json:"description"`
	Recommendations []string        `json:"recommendations"`
}

var catalogue = []Entry{
	{
		IssueType:   model.IssueSlowAPIResponse,
		AutoFixable: true,
		Actions:     []Action{ActionEnableCache, ActionShowLoading, ActionTimeoutHandler},
		Description: "Cache the response, show a loading state and guard the request with a timeout",
		Recommendations: []string{
			"Profile the slow endpoint and add an index or cache",
		},
	},
	{
		IssueType:   model.IssueSlowPageLoad,
		AutoFixable: true,
		Actions:     []Action{ActionEnableCache, ActionShowLoading},
		Description: "Cache static content and show a loading state",
		Recommendations: []string{
			"Reduce bundle size and defer non-critical scripts",
		},
	},
	{
		IssueType:   model.IssueHighMemoryUsage,
		AutoFixable: true,
		Actions:     []Action{ActionGarbageCollect},
		Description: "Reclaim memory",
		Recommendations: []string{
			"Look for retained references and unbounded caches",
		},
	},
	{
		IssueType:   model.IssueFormValidationError,
		AutoFixable: true,
		Actions:     []Action{ActionHighlightField, ActionShowPersianMessage},
		Description: "Highlight the invalid field and explain the problem in Persian",
		Recommendations: []string{
			"Validate the field inline before submission",
		},
	},
	{
		IssueType:   model.IssueUploadFailure,
		AutoFixable: true,
		Actions:     []Action{ActionRetryWithChunks, ActionCompressImage},
		Description: "Retry the upload in chunks and compress images",
		Recommendations: []string{
			"Review upload size limits and proxy timeouts",
		},
	},
	{
		IssueType:   model.IssueSessionExpired,
		AutoFixable: true,
		Actions:     []Action{ActionRefreshSession, ActionShowWarning},
		Description: "Extend the session and warn the user",
		Recommendations: []string{
			"Refresh sessions in the background for active users",
		},
	},
	{
		IssueType:   model.IssueUserConfusion,
		AutoFixable: true,
		Actions:     []Action{ActionShowHelp, ActionSimplifyUI},
		Description: "Offer help and simplify the interface",
		Recommendations: []string{
			"Run a usability review of the page",
		},
	},
	{
		IssueType:   model.IssueUserFrustration,
		AutoFixable: true,
		Actions:     []Action{ActionShowHelp, ActionSimplifyUI},
		Description: "Offer help and simplify the interface",
		Recommendations: []string{
			"Check the page for unresponsive controls",
		},
	},
	{
		IssueType:   model.IssuePerformanceDegradation,
		AutoFixable: true,
		Actions:     []Action{ActionEnableCache, ActionGarbageCollect},
		Description: "Cache responses and reclaim memory",
		Recommendations: []string{
			"Correlate the slowdown with recent deployments",
		},
	},
	{
		IssueType:   model.IssueDatabaseConnection,
		AutoFixable: false,
		Description: "Requires manual investigation of the database",
		Recommendations: []string{
			"Check database availability and connection limits",
		},
	},
	{
		IssueType:   model.IssuePermissionError,
		AutoFixable: false,
		Description: "Requires a manual permission review",
		Recommendations: []string{
			"Verify the user's role assignments",
		},
	},
	{
		IssueType:   model.IssueErrorCascade,
		AutoFixable: false,
		Description: "Requires manual escalation",
		Recommendations: []string{
			"Page the on-call engineer",
		},
	},
}

var catalogueIndex = func() map[model.IssueType]Entry {
	index := make(map[model.IssueType]Entry, len(catalogue))
	for _, entry := range catalogue {
		index[entry.IssueType] = entry
	}
	return index
}()

func lookup(issueType model.IssueType) (Entry, bool) {
	entry, ok := catalogueIndex[issueType]
	return entry, ok
}

// Catalogue returns a copy of every entry in catalogue order.
func Catalogue() []Entry {
	entries := make([]Entry, 0, len(catalogue))
	for _, entry := range catalogue {
		entry.Actions = append([]Action(nil), entry.Actions...)
		entry.Recommendations = append([]string(nil), entry.Recommendations...)
		entries = append(entries, entry)
	}
	return entries
}

func CanAutoFix(issueType model.IssueType) bool {
	entry, ok := lookup(issueType)
	return ok && entry.AutoFixable
}

// GetAvailableFixes lists the auto-fixable issue types in catalogue order.
func GetAvailableFixes() []model.IssueType {
	types := make([]model.IssueType, 0, len(catalogue))
	for _, entry := range catalogue {
		if entry.AutoFixable {
			types = append(types, entry.IssueType)
		}
	}
	return types
}
