package importer

// error_messages.go maps errors to user-facing messages with codes for
// support reference. Users quote the code; support finds it here.
//
// # Import Errors (IMP001-IMP099)
//
//	IMP001 - Busy: another import is in progress
//	         Action: Wait for the current import to finish, then retry
//	IMP002 - Empty file: no data rows after the header
//	         Action: Upload a CSV file with at least one vendor row
//	IMP003 - Bad header: header does not match the vendor columns
//	         Action: Start the file with email,name,skills,rate,currency,avg_rating,completed_projects,plan_code
//	IMP004 - Storage error: the import could not be recorded
//	         Action: Please try again in a few moments
//	IMP005 - Move error: the upload could not be staged
//	         Action: Please try again or contact support
//	IMP006 - Not found: no import run with this id
//	         Action: Check the import id
//	IMP007 - Not cancellable: the import already finished
//	         Action: No action needed
//	IMP008 - Processing failed: the import stopped with an error
//	         Action: Already-committed rows are kept. Fix the file and re-import
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large
//	FILE002 - Invalid CSV
//	FILE004 - No file provided
//	FILE006 - Not a CSV file
//
// # Rate Limiting (RATE001)
//
//	RATE001 - Too many requests
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Check the application logs for the
// original technical error.
//
// # Matching
//
// Sentinel errors are matched with errors.Is first, in table order. Errors
// that carry no sentinel fall back to case-insensitive substring patterns.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// Web-layer request errors. They are defined here so every code lives in one
// table.
var (
	ErrNoFile      = errors.New("no file provided")
	ErrNotCSV      = errors.New("not a csv file")
	ErrRateLimited = errors.New("rate limit exceeded")
)

type sentinelMessage struct {
	err error
	msg UserMessage
}

// sentinelMessages is checked in order; ErrProcessing comes after the
// pre-run errors because a processing failure may wrap one of them.
var sentinelMessages = []sentinelMessage{
	{ErrBusy, UserMessage{
		Message: "Another import is in progress",
		Action:  "Wait for the current import to finish, then retry",
		Code:    "IMP001",
	}},
	{ErrEmptyFile, UserMessage{
		Message: "The uploaded file has no data rows",
		Action:  "Upload a CSV file with at least one vendor row",
		Code:    "IMP002",
	}},
	{ErrBadHeader, UserMessage{
		Message: "The file header does not match the vendor columns",
		Action:  "Start the file with email,name,skills,rate,currency,avg_rating,completed_projects,plan_code",
		Code:    "IMP003",
	}},
	{ErrStorage, UserMessage{
		Message: "The import could not be recorded",
		Action:  "Please try again in a few moments",
		Code:    "IMP004",
	}},
	{ErrMove, UserMessage{
		Message: "The upload could not be staged for processing",
		Action:  "Please try again or contact support",
		Code:    "IMP005",
	}},
	{ErrNotFound, UserMessage{
		Message: "Import not found",
		Action:  "Check the import id",
		Code:    "IMP006",
	}},
	{ErrNotCancellable, UserMessage{
		Message: "The import already finished and cannot be cancelled",
		Action:  "No action needed",
		Code:    "IMP007",
	}},
	{ErrFileTooLarge, UserMessage{
		Message: "File exceeds the maximum upload size",
		Action:  "Split the file into smaller chunks",
		Code:    "FILE001",
	}},
	{ErrInvalidCSV, UserMessage{
		Message: "File is not a valid CSV",
		Action:  "Ensure file is comma-separated with consistent quoting",
		Code:    "FILE002",
	}},
	{ErrNoFile, UserMessage{
		Message: "No file was selected",
		Action:  "Please select a CSV file to upload",
		Code:    "FILE004",
	}},
	{ErrNotCSV, UserMessage{
		Message: "Only .csv files can be imported",
		Action:  "Export the vendor list as CSV and upload it again",
		Code:    "FILE006",
	}},
	{ErrRateLimited, UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
	}},
	{ErrProcessing, UserMessage{
		Message: "The import stopped with an error",
		Action:  "Already-committed rows are kept. Fix the file and re-import",
		Code:    "IMP008",
	}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns covers errors that reach the API without a sentinel.
var errorPatterns = []errorPattern{
	{
		pattern: "request body too large",
		msg: UserMessage{
			Message: "File exceeds the maximum upload size",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try uploading a smaller file or check your connection",
			Code:    "UPL005",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-friendly message. Sentinels are
// matched first, then text patterns; anything else maps to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than the
// ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
