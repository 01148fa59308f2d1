// Package awscreds resolves AWS credentials from the instance metadata service
// (IMDSv2 only), reached through the gateway's own HTTP client.
package awscreds

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// defaultLifetime is assumed when the metadata service omits an expiration.
const defaultLifetime = time.Hour

// Provider implements aws.CredentialsProvider.
type Provider struct {
	client *imds.Client
	now    func() time.Time
}

var _ aws.CredentialsProvider = (*Provider)(nil)

func NewProvider(httpClient imds.HTTPClient, baseURL string) *Provider {
	client := imds.New(imds.Options{
		HTTPClient:     httpClient,
		Endpoint:       baseURL,
		EnableFallback: aws.FalseTernary, // disable fallback to IMDSv1
	})
	return &Provider{
		client: client,
		now:    time.Now,
	}
}

func (p *Provider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	profileName, err := p.instanceProfileName(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}

	res, err := p.client.GetMetadata(ctx, &imds.GetMetadataInput{
		Path: "iam/security-credentials/" + profileName,
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("getting metadata: %w", err)
	}
	defer res.Content.Close()

	var cred struct {
		Code            string    `json:"Code"`
		AccessKeyID     string    `json:"AccessKeyId"`
		SecretAccessKey string    `json:"SecretAccessKey"`
		Token           string    `json:"Token"`
		Expiration      time.Time `json:"Expiration"`
	}
	if err := json.NewDecoder(res.Content).Decode(&cred); err != nil {
		return aws.Credentials{}, fmt.Errorf("decoding response: %w", err)
	}
	if cred.Code != "" && cred.Code != "Success" {
		return aws.Credentials{}, fmt.Errorf("metadata service returned code %q", cred.Code)
	}
	if cred.AccessKeyID == "" || cred.SecretAccessKey == "" {
		return aws.Credentials{}, fmt.Errorf("metadata service returned incomplete credentials")
	}

	expires := cred.Expiration
	if expires.IsZero() {
		expires = p.now().Add(defaultLifetime)
	}
	return aws.Credentials{
		AccessKeyID:     cred.AccessKeyID,
		SecretAccessKey: cred.SecretAccessKey,
		SessionToken:    cred.Token,
		Source:          "IMDSv2",
		Expires:         expires,
		CanExpire:       true,
	}, nil
}

// instanceProfileName returns the first role listed by the metadata service.
func (p *Provider) instanceProfileName(ctx context.Context) (string, error) {
	res, err := p.client.GetMetadata(ctx, &imds.GetMetadataInput{
		Path: "iam/security-credentials/",
	})
	if err != nil {
		return "", fmt.Errorf("getting metadata: %w", err)
	}
	defer res.Content.Close()

	scanner := bufio.NewScanner(res.Content)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			return name, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return "", fmt.Errorf("no instance profile attached")
}
