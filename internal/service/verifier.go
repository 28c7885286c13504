package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/stepauth/stepauth/internal/logger"
	"github.com/stepauth/stepauth/internal/model"
	"github.com/stepauth/stepauth/internal/provider"
)

// Dispatcher errors
var (
	ErrMethodMisconfigured = errors.New("method is misconfigured")
	ErrUnsupportedMethod   = errors.New("unsupported method type")
)

// VerificationResult is the uniform verdict every verifier branch
// returns: the caller never needs to know which branch fired.
type VerificationResult struct {
	Success          bool
	UserID           string
	MethodID         string
	UsedRecoveryCode bool
	// RemainingAttempts is set by verifiers that keep their own attempt
	// counter (emailed codes); -1 otherwise
	RemainingAttempts int
	Reason            string
}

// methodVerifier verifies one submission against one method
type methodVerifier interface {
	Verify(ctx context.Context, challenge *model.Challenge, method *model.Method, submission Submission) (*VerificationResult, error)
}

// Submission carries the caller-provided proof material
type Submission struct {
	Code string
	// IsRecoveryCode routes to the recovery branch regardless of method type
	IsRecoveryCode bool
	// WebAuthnSession is the ceremony session key issued at assertion start
	WebAuthnSession string
}

// MethodDispatcher routes a submission to the verifier registered for
// the method's type. Recovery codes bypass the type registry.
type MethodDispatcher struct {
	verifiers map[model.MethodType]methodVerifier
	webauthn  provider.WebAuthnVerifier
	recovery  *RecoveryService
	log       *logger.Logger
}

// NewMethodDispatcher wires the per-type verifiers.
func NewMethodDispatcher(
	totp provider.TOTPValidator,
	emailCodes EmailCodeVerifier,
	webauthn provider.WebAuthnVerifier,
	recovery *RecoveryService,
	log *logger.Logger,
) *MethodDispatcher {
	return &MethodDispatcher{
		verifiers: map[model.MethodType]methodVerifier{
			model.MethodTOTP:     &totpVerifier{totp: totp},
			model.MethodEmail:    &emailVerifier{codes: emailCodes},
			model.MethodWebAuthn: &webauthnVerifier{webauthn: webauthn},
		},
		webauthn: webauthn,
		recovery: recovery,
		log:      log.WithComponent("method_dispatcher"),
	}
}

// BeginWebAuthn starts the assertion ceremony for a WebAuthn method and
// returns the request options plus the opaque session key the client
// must echo back with the assertion.
func (d *MethodDispatcher) BeginWebAuthn(ctx context.Context, method *model.Method) (interface{}, string, error) {
	if method.Type != model.MethodWebAuthn {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedMethod, method.Type)
	}
	return d.webauthn.BeginAuthentication(ctx, method.UserID, method.Metadata)
}

// Verify adjudicates one submission. Infrastructure problems surface as
// errors; a wrong code is an unsuccessful result, not an error.
func (d *MethodDispatcher) Verify(ctx context.Context, challenge *model.Challenge, method *model.Method, submission Submission) (*VerificationResult, error) {
	if submission.IsRecoveryCode {
		return d.verifyRecovery(ctx, method, submission.Code)
	}

	verifier, ok := d.verifiers[method.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method.Type)
	}
	return verifier.Verify(ctx, challenge, method, submission)
}

func (d *MethodDispatcher) verifyRecovery(ctx context.Context, method *model.Method, code string) (*VerificationResult, error) {
	err := d.recovery.ConsumeCode(ctx, method.ID, code)
	if errors.Is(err, ErrInvalidRecoveryCode) {
		return &VerificationResult{
			UserID:            method.UserID,
			MethodID:          method.ID,
			UsedRecoveryCode:  true,
			RemainingAttempts: -1,
			Reason:            "invalid recovery code",
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &VerificationResult{
		Success:           true,
		UserID:            method.UserID,
		MethodID:          method.ID,
		UsedRecoveryCode:  true,
		RemainingAttempts: -1,
	}, nil
}

type totpVerifier struct {
	totp provider.TOTPValidator
}

func (v *totpVerifier) Verify(ctx context.Context, challenge *model.Challenge, method *model.Method, submission Submission) (*VerificationResult, error) {
	if len(method.Secret) == 0 {
		return nil, fmt.Errorf("%w: TOTP method has no secret", ErrMethodMisconfigured)
	}
	if !v.totp.ValidateCode(string(method.Secret), submission.Code) {
		return &VerificationResult{
			UserID:            method.UserID,
			MethodID:          method.ID,
			RemainingAttempts: -1,
			Reason:            "invalid code",
		}, nil
	}
	return &VerificationResult{
		Success:           true,
		UserID:            method.UserID,
		MethodID:          method.ID,
		RemainingAttempts: -1,
	}, nil
}

type emailVerifier struct {
	codes EmailCodeVerifier
}

func (v *emailVerifier) Verify(ctx context.Context, challenge *model.Challenge, method *model.Method, submission Submission) (*VerificationResult, error) {
	verdict, err := v.codes.VerifyCode(ctx, challenge.ID, submission.Code)
	if err != nil {
		return nil, err
	}
	result := &VerificationResult{
		Success:           verdict.Success,
		UserID:            method.UserID,
		MethodID:          method.ID,
		RemainingAttempts: verdict.RemainingAttempts,
	}
	if !verdict.Success {
		result.Reason = "invalid code"
	}
	return result, nil
}

type webauthnVerifier struct {
	webauthn provider.WebAuthnVerifier
}

func (v *webauthnVerifier) Verify(ctx context.Context, challenge *model.Challenge, method *model.Method, submission Submission) (*VerificationResult, error) {
	assertion, err := v.webauthn.CompleteAuthentication(ctx, method.UserID, method.Metadata, submission.WebAuthnSession, []byte(submission.Code))
	if errors.Is(err, provider.ErrAssertionFailed) || errors.Is(err, provider.ErrWebAuthnSessionExpired) {
		return &VerificationResult{
			UserID:            method.UserID,
			MethodID:          method.ID,
			RemainingAttempts: -1,
			Reason:            "assertion verification failed",
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &VerificationResult{
		Success:           assertion.Success,
		UserID:            method.UserID,
		MethodID:          method.ID,
		RemainingAttempts: -1,
	}, nil
}
