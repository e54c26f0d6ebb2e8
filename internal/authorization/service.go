package authorization

import (
	"context"

	"github.com/smallbiznis/curlara/internal/identity"
)

// Service decides whether a verified operator may act on an object.
type Service interface {
	Authorize(ctx context.Context, subject identity.Subject, object string, action string) error
}
