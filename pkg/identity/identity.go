// Package identity bootstraps git credentials and commit authorship inside
// a sandbox from a repository access token.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jxucoder/sandboxd/pkg/model"
	"github.com/jxucoder/sandboxd/pkg/sandbox"
)

// FallbackUsername is used when the profile cannot be resolved.
const FallbackUsername = "github-user"

// DefaultCredentialFile is the git credential store inside the sandbox.
const DefaultCredentialFile = "/root/.git-credentials"

// Options configures a Bootstrapper.
type Options struct {
	Host           string // git host, e.g. "github.com"
	CredentialFile string
	Workdir        string // clone directory
	Logger         *slog.Logger
}

// Bootstrapper resolves a commit identity and configures git with it.
type Bootstrapper struct {
	resolver Resolver
	host     string
	credFile string
	workdir  string
	logger   *slog.Logger
}

// New creates a Bootstrapper backed by resolver.
func New(resolver Resolver, opts Options) *Bootstrapper {
	b := &Bootstrapper{
		resolver: resolver,
		host:     opts.Host,
		credFile: opts.CredentialFile,
		workdir:  opts.Workdir,
		logger:   opts.Logger,
	}
	if b.host == "" {
		b.host = "github.com"
	}
	if b.credFile == "" {
		b.credFile = DefaultCredentialFile
	}
	if b.workdir == "" {
		b.workdir = "/workspace"
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// NoReplyEmail synthesizes the host's private commit address for username.
func NoReplyEmail(username, host string) string {
	return fmt.Sprintf("%s@users.noreply.%s", username, host)
}

// Resolve derives the commit identity for credential. It never fails: when
// the profile lookup fails the fallback username is used, and a private email
// becomes the no-reply address.
func (b *Bootstrapper) Resolve(ctx context.Context, credential string) model.Identity {
	var p Profile
	if b.resolver != nil {
		got, err := b.resolver.Resolve(ctx, credential)
		if err != nil {
			b.logger.WarnContext(ctx, "profile lookup failed, using fallback identity", "error", err)
		} else if got != nil {
			p = *got
		}
	}
	return fromProfile(p, b.host)
}

func fromProfile(p Profile, host string) model.Identity {
	id := model.Identity{
		Username:    strings.TrimSpace(p.Login),
		Email:       strings.TrimSpace(p.Email),
		DisplayName: strings.TrimSpace(p.Name),
	}
	if id.Username == "" {
		id.Username = FallbackUsername
	}
	if id.DisplayName == "" {
		id.DisplayName = id.Username
	}
	if id.Email == "" {
		id.Email = NoReplyEmail(id.Username, host)
	}
	return id
}

// CloneURL is the credential-free HTTPS URL of repo ("owner/name").
func (b *Bootstrapper) CloneURL(repo string) string {
	return fmt.Sprintf("https://%s/%s.git", b.host, repo)
}

// credentialLine is the git credential-store entry for credential.
func (b *Bootstrapper) credentialLine(credential string) string {
	u := url.URL{
		Scheme: "https",
		User:   url.UserPassword("x-access-token", credential),
		Host:   b.host,
	}
	return u.String() + "\n"
}

// Prepare installs the credential store, resolves the identity and sets it
// as the global git identity. The credential only ever travels over stdin.
func (b *Bootstrapper) Prepare(ctx context.Context, ex sandbox.Executor, credential string) (model.Identity, error) {
	if err := sandbox.WriteFile(ctx, ex, b.credFile, b.credentialLine(credential), true); err != nil {
		return model.Identity{}, fmt.Errorf("writing credential store: %w", err)
	}
	if err := gitConfig(ctx, ex, "", "--global", "credential.helper", "store --file="+b.credFile); err != nil {
		return model.Identity{}, err
	}

	id := b.Resolve(ctx, credential)
	b.logger.InfoContext(ctx, "resolved commit identity",
		"sandbox_id", ex.ID(), "username", id.Username, "name", id.DisplayName, "email", id.Email)

	if err := gitConfig(ctx, ex, "", "--global", "user.email", id.Email); err != nil {
		return id, err
	}
	if err := gitConfig(ctx, ex, "", "--global", "user.name", id.DisplayName); err != nil {
		return id, err
	}
	return id, nil
}

// ConfigureClone sets the per-clone identity, resets origin to the
// credential-free URL and reads the identity back. A read-back mismatch is
// logged, not returned.
func (b *Bootstrapper) ConfigureClone(ctx context.Context, ex sandbox.Executor, id model.Identity, repo string) error {
	if err := gitConfig(ctx, ex, b.workdir, "user.email", id.Email); err != nil {
		return err
	}
	if err := gitConfig(ctx, ex, b.workdir, "user.name", id.DisplayName); err != nil {
		return err
	}

	res, err := sandbox.Run(ctx, ex, b.workdir, "git", "remote", "set-url", "origin", b.CloneURL(repo))
	if err != nil {
		return fmt.Errorf("resetting origin: %w", err)
	}
	if !res.OK() {
		b.logger.WarnContext(ctx, "resetting origin failed", "sandbox_id", ex.ID(), "stderr", strings.TrimSpace(res.Stderr))
	}

	b.Verify(ctx, ex, id)
	return nil
}

// Verify reads the per-clone identity back and reports whether it matches.
func (b *Bootstrapper) Verify(ctx context.Context, ex sandbox.Executor, id model.Identity) bool {
	name, nameErr := sandbox.Run(ctx, ex, b.workdir, "git", "config", "--get", "user.name")
	email, emailErr := sandbox.Run(ctx, ex, b.workdir, "git", "config", "--get", "user.email")
	if nameErr != nil || emailErr != nil {
		b.logger.WarnContext(ctx, "could not read back git identity", "sandbox_id", ex.ID(), "error", firstErr(nameErr, emailErr))
		return false
	}
	gotName, gotEmail := strings.TrimSpace(name.Stdout), strings.TrimSpace(email.Stdout)
	if gotName != id.DisplayName || gotEmail != id.Email {
		b.logger.WarnContext(ctx, "git identity mismatch",
			"sandbox_id", ex.ID(), "want_name", id.DisplayName, "got_name", gotName,
			"want_email", id.Email, "got_email", gotEmail)
		return false
	}
	b.logger.InfoContext(ctx, "verified git identity", "sandbox_id", ex.ID(), "name", gotName)
	return true
}

func gitConfig(ctx context.Context, ex sandbox.Executor, workdir string, args ...string) error {
	argv := append([]string{"git", "config"}, args...)
	res, err := sandbox.Run(ctx, ex, workdir, argv...)
	if err != nil {
		return fmt.Errorf("git config %s: %w", args[len(args)-2], err)
	}
	if !res.OK() {
		return fmt.Errorf("git config %s: exit %d: %s", args[len(args)-2], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
