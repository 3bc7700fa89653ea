// Package firestore is a Cloud Firestore store.Store backend.
package firestore

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

const (
	profilesCollectionBase     = "cardflow-profiles"
	statementsCollectionBase   = "cardflow-statements"
	transactionsCollectionBase = "cardflow-transactions"
	linksCollectionBase        = "cardflow-links"
)

var branchSanitizer = regexp.MustCompile(`[^a-z0-9-]`)

// collectionPrefix isolates preview deployments from production data.
//
//	PR_NUMBER=123            -> "pr_123_"
//	BRANCH_NAME=feature/auth -> "preview_feature-auth_"
//	BRANCH_NAME=main         -> ""
func collectionPrefix() string {
	if prNumber := os.Getenv("PR_NUMBER"); prNumber != "" {
		return fmt.Sprintf("pr_%s_", prNumber)
	}
	if branchName := os.Getenv("BRANCH_NAME"); branchName != "" && branchName != "main" {
		sanitized := branchSanitizer.ReplaceAllString(strings.ToLower(branchName), "-")
		if len(sanitized) > 50 {
			sanitized = sanitized[:50]
		}
		return fmt.Sprintf("preview_%s_", sanitized)
	}
	return ""
}

// collections holds the resolved collection names for one store
type collections struct {
	profiles     string
	statements   string
	transactions string
	links        string
}

func newCollections(prefix string) collections {
	return collections{
		profiles:     prefix + profilesCollectionBase,
		statements:   prefix + statementsCollectionBase,
		transactions: prefix + transactionsCollectionBase,
		links:        prefix + linksCollectionBase,
	}
}

// NewClient creates a Firestore client through the Firebase app. An empty
// credentialsFile uses Application Default Credentials, which also covers
// FIRESTORE_EMULATOR_HOST.
func NewClient(ctx context.Context, projectID, credentialsFile string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firestore project ID is required")
	}
	conf := &firebase.Config{ProjectID: projectID}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return client, nil
}
