package credential

import (
	"github.com/smallbiznis/curlara/internal/identity"
	"go.uber.org/fx"
)

var Module = fx.Module("auth.credential",
	fx.Provide(NewVerifier),
	fx.Provide(func(v *Verifier) identity.CredentialVerifier { return v }),
)
