package config

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmNamesPerCall is the GetParameters limit.
const ssmNamesPerCall = 10

type ssmAPI interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider resolves _SSM_PARAM pointers from Parameter Store, decrypting
// SecureString values. The SDK client is built on first use so local runs
// with nothing to resolve never touch AWS.
type SSMProvider struct {
	region string
	client ssmAPI
}

// NewSSMProvider creates an SSMProvider for region.
func NewSSMProvider(region string) *SSMProvider {
	return &SSMProvider{region: region}
}

// GetParametersBatch implements SecretProvider. Names SSM reports as invalid
// are absent from the result; the loader names them.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, names []string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	for chunk := range slices.Chunk(names, ssmNamesPerCall) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("resolving SSM parameters: %w", err)
		}
		client, err := p.ssm(ctx)
		if err != nil {
			return nil, err
		}
		out, err := client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          chunk,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("ssm GetParameters [%s]: %w", strings.Join(chunk, " "), err)
		}
		for _, param := range out.Parameters {
			if param.Name != nil {
				values[*param.Name] = aws.ToString(param.Value)
			}
		}
	}
	return values, nil
}

func (p *SSMProvider) ssm(ctx context.Context) (ssmAPI, error) {
	if p.client != nil {
		return p.client, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for SSM in %s: %w", p.region, err)
	}
	p.client = ssm.NewFromConfig(cfg)
	return p.client, nil
}
