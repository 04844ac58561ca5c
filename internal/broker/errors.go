package broker

import "fmt"

// APIError is a broker-level rejection: the HTTP exchange succeeded but the
// broker returned a non-zero result code. Callers classify it to decide
// between retry, re-auth, and surfacing.
type APIError struct {
	Code    string // broker msg_cd
	Message string // broker msg1
	TRID    string // request identifier that produced the error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker error %s (%s): %s", e.Code, e.TRID, e.Message)
}

// Error-code classes with special retry handling. Everything else is
// permanent and returned to the caller as-is.
var (
	// Token invalid or expired mid-session. One forced re-auth, one retry.
	authExpiredCodes = map[string]bool{
		"EGW00121": true, // token expired
		"EGW00123": true, // token invalid
	}

	// Account validation hiccups right after auth or order routing; clear
	// within a second or two. Up to 3 retries with a fixed 1s delay.
	transientAccountCodes = map[string]bool{
		"EGW00201": true,
		"EGW00205": true,
		"APBK0919": true, // order system busy
	}
)

// IsAuthExpired reports whether err is a broker auth-expiry rejection.
func IsAuthExpired(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && authExpiredCodes[apiErr.Code]
}

// IsTransientAccount reports whether err is a transient account-validation
// rejection.
func IsTransientAccount(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && transientAccountCodes[apiErr.Code]
}
