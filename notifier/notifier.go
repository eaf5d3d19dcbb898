// Package notifier delivers grading feedback back to the code hosting
// service.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
	"golang.org/x/oauth2"

	"github.com/omegaup/autotest/common"
)

// maxErrorBody is the number of bytes of an error response that are kept in
// the returned error.
const maxErrorBody = 512

// CommitRef identifies a commit in a GitHub repository.
type CommitRef struct {
	Owner string
	Repo  string
	SHA   string
}

// ParseCommitURL extracts the owner, repository and sha from a commit URL of
// the form https://host/[prefix/]owner/repo/commit/sha.
func ParseCommitURL(commitURL string) (*CommitRef, error) {
	u, err := url.Parse(commitURL)
	if err != nil {
		return nil, fmt.Errorf("parse commit url: %w", err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 2; i >= 2; i-- {
		if segments[i] != "commit" {
			continue
		}
		ref := &CommitRef{
			Owner: segments[i-2],
			Repo:  strings.TrimSuffix(segments[i-1], ".git"),
			SHA:   segments[i+1],
		}
		if ref.Owner == "" || ref.Repo == "" || ref.SHA == "" {
			break
		}
		return ref, nil
	}
	return nil, fmt.Errorf("not a commit url: %q", commitURL)
}

// GitHubNotifier posts feedback as a commit comment through the GitHub REST
// API.
type GitHubNotifier struct {
	apiURL string
	client *http.Client
	log    log15.Logger
}

// NewGitHubNotifier returns a GitHubNotifier that authenticates with the
// configured token.
func NewGitHubNotifier(config *common.GitHubConfig, log log15.Logger) *GitHubNotifier {
	client := &http.Client{}
	if config.Token != "" {
		client = oauth2.NewClient(
			context.Background(),
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token}),
		)
	}
	client.Timeout = time.Duration(config.Timeout)
	return &GitHubNotifier{
		apiURL: strings.TrimSuffix(config.APIURL, "/"),
		client: client,
		log:    log,
	}
}

// PostFeedback creates a comment with markdown on the commit.
func (n *GitHubNotifier) PostFeedback(ctx context.Context, commitURL string, markdown string) error {
	ref, err := ParseCommitURL(commitURL)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"body": markdown})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf(
		"%s/repos/%s/%s/commits/%s/comments",
		n.apiURL,
		url.PathEscape(ref.Owner),
		url.PathEscape(ref.Repo),
		url.PathEscape(ref.SHA),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post feedback on %s: %w", commitURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf(
			"post feedback on %s: %s: %s",
			commitURL,
			resp.Status,
			strings.TrimSpace(string(message)),
		)
	}
	io.Copy(io.Discard, resp.Body)
	n.log.Info("posted feedback", "commit", commitURL, "bytes", len(markdown))
	return nil
}

// LogNotifier only logs the feedback. It is used in dry-run mode.
type LogNotifier struct {
	Log log15.Logger
}

// PostFeedback logs the feedback.
func (n *LogNotifier) PostFeedback(ctx context.Context, commitURL string, markdown string) error {
	n.Log.Info("feedback", "commit", commitURL, "markdown", markdown)
	return nil
}
