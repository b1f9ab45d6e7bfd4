package billing

import "errors"

var (
	// ErrSignatureInvalid means the webhook body failed signature
	// verification. Nothing downstream of the verifier may run; the caller
	// must not mutate any state.
	ErrSignatureInvalid = errors.New("webhook signature verification failed")

	// ErrDuplicateEvent reports a fingerprint that was already admitted.
	// Expected under at-least-once delivery; callers acknowledge and move on.
	ErrDuplicateEvent = errors.New("duplicate webhook event")

	ErrValidation    = errors.New("invalid request")
	ErrConfiguration = errors.New("billing configuration error")

	ErrProfileNotFound           = errors.New("profile not found")
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")
	ErrPlanNotFound              = errors.New("subscription plan not found")
	ErrProviderNotFound          = errors.New("billing provider not configured")
	ErrCustomerNotLinked         = errors.New("no billing customer linked to profile")

	// ErrStoreUnavailable wraps transient persistence failures. Webhook
	// callers surface it as a 5xx so the provider retries the delivery.
	ErrStoreUnavailable = errors.New("billing store unavailable")

	// Access gate denial reasons. Distinct sentinels let the HTTP layer
	// return machine-readable reasons for different UI prompts.
	ErrNoSubscription        = errors.New("no subscription")
	ErrSubscriptionCancelled = errors.New("subscription cancelled")
)
