package issuance

import (
	"strconv"
	"strings"
	"time"

	"github.com/ipeknurercan/mintelligence/network"
)

// Attribute is one trait of a certificate, in the common NFT metadata layout.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// Metadata describes a certificate for wallets and explorers. It is returned to the
// caller for off-ledger publication; the ledger itself only carries the home domain.
type Metadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Image       string      `json:"image"`
	Attributes  []Attribute `json:"attributes"`
}

// Achievement is what the learner earned the certificate for.
type Achievement struct {
	CompletedQuizzes int  `json:"completedQuizzes"`
	TotalScore       *int `json:"totalScore,omitempty"`
}

// MetadataOptions are the platform-level parts of certificate metadata.
type MetadataOptions struct {
	Platform     string
	ImageBaseURL string
}

// BuildMetadata assembles certificate metadata. A missing score is shown as "Perfect".
func BuildMetadata(certificateID string, a Achievement, n network.Network, earned time.Time, opts MetadataOptions) Metadata {
	platform := opts.Platform
	if platform == "" {
		platform = "Mintelligence"
	}
	score := "Perfect"
	if a.TotalScore != nil {
		score = strconv.Itoa(*a.TotalScore)
	}

	return Metadata{
		Name:        platform + " Certificate #" + certificateID,
		Description: "Web3 learning certificate - " + strconv.Itoa(a.CompletedQuizzes) + " quizzes completed",
		Image:       imageURL(opts.ImageBaseURL, certificateID),
		Attributes: []Attribute{
			{TraitType: "Platform", Value: platform},
			{TraitType: "Completed Quizzes", Value: strconv.Itoa(a.CompletedQuizzes)},
			{TraitType: "Score", Value: score},
			{TraitType: "Date Earned", Value: earned.UTC().Format(time.RFC3339)},
			{TraitType: "Network", Value: n.Alias()},
		},
	}
}

func imageURL(base, id string) string {
	if base == "" {
		return ""
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + id + ".png"
}
