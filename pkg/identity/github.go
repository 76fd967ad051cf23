package identity

import (
	"context"
	"fmt"

	gogh "github.com/google/go-github/v68/github"
)

// Profile is the subset of an upstream user profile used for commit identity.
type Profile struct {
	Login string
	Email string // empty when the user keeps it private
	Name  string
}

// Resolver looks up the profile that owns a credential.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (*Profile, error)
}

// GitHubResolver resolves profiles through the GitHub REST API.
type GitHubResolver struct {
	enterpriseURL string
}

// NewGitHubResolver creates a resolver for github.com, or for a GitHub
// Enterprise server when enterpriseURL is set (e.g. "https://ghe.example.com/").
func NewGitHubResolver(enterpriseURL string) *GitHubResolver {
	return &GitHubResolver{enterpriseURL: enterpriseURL}
}

func (r *GitHubResolver) client(credential string) (*gogh.Client, error) {
	c := gogh.NewClient(nil).WithAuthToken(credential)
	if r.enterpriseURL == "" {
		return c, nil
	}
	return c.WithEnterpriseURLs(r.enterpriseURL, r.enterpriseURL)
}

// Resolve returns the authenticated user's profile.
func (r *GitHubResolver) Resolve(ctx context.Context, credential string) (*Profile, error) {
	c, err := r.client(credential)
	if err != nil {
		return nil, fmt.Errorf("creating github client: %w", err)
	}
	u, _, err := c.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("fetching authenticated user: %w", err)
	}
	return &Profile{
		Login: u.GetLogin(),
		Email: u.GetEmail(),
		Name:  u.GetName(),
	}, nil
}
