package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"

	"verigate/internal/domain"
)

// Provider is one credential exchange strategy. Providers are stateless and
// must be safe for concurrent use; the resolver evaluates them in order.
type Provider interface {
	// Name identifies the exchange in logs and error messages.
	Name() string
	// Resolve performs the exchange and returns a scoped, time-boxed bundle.
	Resolve(ctx context.Context) (domain.ResolvedCredentials, error)
}

// AmbientProvider resolves credentials through the default AWS chain (shared
// config, environment, instance role). This is the primary exchange: it rides
// whatever federated session the deployment already has.
type AmbientProvider struct {
	Region  string
	Timeout time.Duration
}

func (p *AmbientProvider) Name() string { return "ambient" }

func (p *AmbientProvider) Resolve(ctx context.Context) (domain.ResolvedCredentials, error) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.Region))
	if err != nil {
		return domain.ResolvedCredentials{}, fmt.Errorf("load default config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return domain.ResolvedCredentials{}, fmt.Errorf("retrieve ambient credentials: %w", err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return domain.ResolvedCredentials{}, fmt.Errorf("ambient chain returned incomplete credentials")
	}
	out := domain.ResolvedCredentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Source:          p.Name(),
	}
	if creds.CanExpire {
		out.Expires = creds.Expires
	}
	return out, nil
}

// CognitoIdentityAPI is the slice of the Cognito Identity client the pool
// provider uses, narrowed for testability.
type CognitoIdentityAPI interface {
	GetId(ctx context.Context, params *cognitoidentity.GetIdInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetIdOutput, error)
	GetCredentialsForIdentity(ctx context.Context, params *cognitoidentity.GetCredentialsForIdentityInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetCredentialsForIdentityOutput, error)
}

// IdentityPoolProvider is the fallback exchange: a direct federated-identity
// token exchange against a statically configured identity pool. Guest access
// is assumed, matching how the capture widget authenticates.
type IdentityPoolProvider struct {
	Client CognitoIdentityAPI
	PoolID string
}

func (p *IdentityPoolProvider) Name() string { return "identity-pool" }

func (p *IdentityPoolProvider) Resolve(ctx context.Context) (domain.ResolvedCredentials, error) {
	idOut, err := p.Client.GetId(ctx, &cognitoidentity.GetIdInput{
		IdentityPoolId: aws.String(p.PoolID),
	})
	if err != nil {
		return domain.ResolvedCredentials{}, fmt.Errorf("get identity id: %w", err)
	}
	if idOut.IdentityId == nil || *idOut.IdentityId == "" {
		return domain.ResolvedCredentials{}, fmt.Errorf("identity pool returned no identity id")
	}
	credsOut, err := p.Client.GetCredentialsForIdentity(ctx, &cognitoidentity.GetCredentialsForIdentityInput{
		IdentityId: idOut.IdentityId,
	})
	if err != nil {
		return domain.ResolvedCredentials{}, fmt.Errorf("get credentials for identity: %w", err)
	}
	creds := credsOut.Credentials
	if creds == nil || creds.AccessKeyId == nil || creds.SecretKey == nil {
		return domain.ResolvedCredentials{}, fmt.Errorf("identity pool returned incomplete credentials")
	}
	out := domain.ResolvedCredentials{
		AccessKeyID:     aws.ToString(creds.AccessKeyId),
		SecretAccessKey: aws.ToString(creds.SecretKey),
		SessionToken:    aws.ToString(creds.SessionToken),
		Source:          p.Name(),
	}
	if creds.Expiration != nil {
		out.Expires = *creds.Expiration
	}
	return out, nil
}
