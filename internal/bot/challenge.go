package bot

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"msgpilot/internal/remote"
)

// The platform embeds its anti-automation challenge in ordinary messages;
// these predicates centralize the matching rules.
const (
	challengePromptMarker  = "STOP USING THIS COMMAND OR YOU WILL GET BLACKLISTED"
	challengePromptMarker2 = "complete the captcha using"
	challengeSolvedMarker  = "captcha completed, you can keep playing!"

	// solutionPrefix is what the platform expects an operator-typed solution
	// to be submitted as.
	solutionPrefix = "+captcha"
)

func isChallengePrompt(msg remote.Message) bool {
	return strings.Contains(msg.Content, challengePromptMarker) &&
		strings.Contains(msg.Content, challengePromptMarker2)
}

// isChallengeSolved matches the platform's confirmation. It must mention the
// account, otherwise another user's confirmation in the same channel would
// unlock us.
func isChallengeSolved(msg remote.Message, selfID string) bool {
	return strings.Contains(msg.Content, challengeSolvedMarker) && msg.MentionsUser(selfID)
}

func solutionText(solution string) string {
	return solutionPrefix + " " + solution
}

// evidenceFetcher downloads the challenge image to a byte blob.
type evidenceFetcher func(url string) ([]byte, error)

func httpEvidenceFetcher(client *http.Client) evidenceFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return func(url string) ([]byte, error) {
		resp, err := client.Get(url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("evidence download: status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	}
}

// firstImageURL picks the attachment to download as evidence, if any.
func firstImageURL(msg remote.Message) string {
	for _, a := range msg.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			return a.URL
		}
	}
	return ""
}
