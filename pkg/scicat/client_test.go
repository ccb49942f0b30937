package scicat

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/scicat/scicattest"
)

// newTestClient creates a client talking to a fake server.
func newTestClient(t *testing.T) (*Client, *scicattest.Server) {
	server := scicattest.NewServer()
	t.Cleanup(server.Close)

	credentials := filepath.Join(t.TempDir(), "pwd")
	if err := os.WriteFile(credentials, []byte(scicattest.Password+"\n"), 0600); err != nil {
		t.Fatal("unable to write credential file:", err)
	}
	c := configuration.Default()
	c.ScicatURL = server.URL
	c.IngestorCredentialFile = credentials
	c.MaxRequestTriesNumber = 3
	c.RequestHeaders = map[string]string{"X-Test": "yes"}

	client := NewClient(c, nil)
	client.SetRetryStep(time.Millisecond)
	return client, server
}

// TestTokenCaching tests that a single login serves multiple requests.
func TestTokenCaching(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.DatasetExists(ctx, "99001234/scan"); err != nil {
			t.Fatal("unable to query dataset existence:", err)
		}
	}
	if server.Logins() != 1 {
		t.Error("unexpected number of logins:", server.Logins())
	}
}

// TestTokenRefresh tests that a rejected token triggers a single new login.
func TestTokenRefresh(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()
	if _, err := client.Token(ctx); err != nil {
		t.Fatal("unable to log in:", err)
	}
	server.ExpireTokens()
	if _, err := client.DatasetExists(ctx, "99001234/scan"); err != nil {
		t.Fatal("request failed after token expiry:", err)
	}
	if server.Logins() != 2 {
		t.Error("unexpected number of logins:", server.Logins())
	}

	// A second rejection after the refresh is reported.
	server.Fail(http.StatusForbidden, http.StatusForbidden)
	if _, err := client.DatasetExists(ctx, "99001234/scan"); !IsUnauthorized(err) {
		t.Error("repeated rejection not reported:", err)
	}
}

// TestMissingCredentials tests that a missing credential file is reported.
func TestMissingCredentials(t *testing.T) {
	client, _ := newTestClient(t)
	client.credentialFile = filepath.Join(t.TempDir(), "missing")
	if _, err := client.Token(context.Background()); err == nil {
		t.Error("login succeeded without credentials")
	}
}

// TestServerErrorRetry tests that server errors are retried up to the
// configured number of attempts.
func TestServerErrorRetry(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()

	server.Fail(http.StatusInternalServerError, http.StatusBadGateway)
	if exists, err := client.DatasetExists(ctx, "99001234/scan"); err != nil {
		t.Fatal("retries didn't recover from server errors:", err)
	} else if exists {
		t.Error("unknown dataset reported as existing")
	}

	server.ResetRequests()
	server.Fail(http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)
	if _, err := client.DatasetExists(ctx, "99001234/scan"); err == nil {
		t.Error("exhausted retries not reported")
	}
	if requests := len(server.Requests()); requests != 3 {
		t.Error("unexpected number of attempts:", requests)
	}
}

// TestClientErrorNotRetried tests that client errors are returned immediately.
func TestClientErrorNotRetried(t *testing.T) {
	client, server := newTestClient(t)
	_, err := client.CreateDataset(context.Background(), []byte(`{"datasetName": "nopid"}`))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatal("unexpected error type:", err)
	}
	if statusErr.StatusCode != http.StatusUnprocessableEntity || statusErr.Body == "" {
		t.Error("unexpected status error:", statusErr)
	}
	if requests := len(server.Requests()); requests != 1 {
		t.Error("client error retried:", requests)
	}
}

// TestDatasetLifecycle tests dataset and origdatablock endpoints.
func TestDatasetLifecycle(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()
	server.SetPIDPrefix("10.3204")
	pid := "10.3204/99001234/myscan_00001"

	created, err := client.CreateDataset(ctx, []byte(`{"pid": "99001234/myscan_00001", "scientificMetadata": {"energy": 1}}`))
	if err != nil {
		t.Fatal("unable to create dataset:", err)
	} else if created != pid {
		t.Error("unexpected created pid:", created)
	}
	if exists, err := client.DatasetExists(ctx, pid); err != nil || !exists {
		t.Fatal("created dataset not found:", exists, err)
	}

	// The pid must travel as a single escaped path segment.
	found := false
	for _, request := range server.Requests() {
		if request.Is(http.MethodGet, "RawDatasets", pid, "exists") {
			found = true
		}
	}
	if !found {
		t.Error("existence query not routed to escaped pid")
	}

	if err := client.PatchDataset(ctx, pid, []byte(`{"scientificMetadata": {"energy": 2}}`)); err != nil {
		t.Fatal("unable to patch dataset:", err)
	}
	document, err := client.GetDataset(ctx, pid)
	if err != nil {
		t.Fatal("unable to get dataset:", err)
	}
	if energy := document["scientificMetadata"].(map[string]interface{})["energy"]; energy != json.Number("2") {
		t.Error("patch not applied:", energy)
	}

	id, err := client.CreateOrigDatablock(ctx, []byte(`{"datasetId": "`+pid+`", "dataFileList": []}`))
	if err != nil || id == "" {
		t.Fatal("unable to create origdatablock:", id, err)
	}
	if found, err := client.FindOrigDatablock(ctx, pid); err != nil || found != id {
		t.Error("origdatablock lookup failed:", found, err)
	}
	if err := client.DeleteOrigDatablock(ctx, id); err != nil {
		t.Fatal("unable to delete origdatablock:", err)
	}
	if found, err := client.FindOrigDatablock(ctx, pid); err != nil || found != "" {
		t.Error("deleted origdatablock still found:", found, err)
	}
	if ids, err := client.FindOrigDatablocks(ctx, pid); err != nil || len(ids) != 0 {
		t.Error("unexpected origdatablocks:", ids, err)
	}

	if err := client.CreateAttachment(ctx, pid, []byte(`{"thumbnail": "data:image/png;base64,AAAA"}`)); err != nil {
		t.Fatal("unable to create attachment:", err)
	}
	if len(server.Attachments(pid)) != 1 {
		t.Error("attachment not stored")
	}
}

// TestProposalCache tests that proposals are fetched once.
func TestProposalCache(t *testing.T) {
	client, server := newTestClient(t)
	server.AddProposal("99001234", "mygroup", "group1", "group2")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		proposal, err := client.GetProposal(ctx, "99001234")
		if err != nil {
			t.Fatal("unable to get proposal:", err)
		}
		if proposal.OwnerGroup != "mygroup" || len(proposal.AccessGroups) != 2 {
			t.Error("unexpected proposal:", proposal)
		}
	}
	if count := server.Count(http.MethodGet, "Proposals"); count != 1 {
		t.Error("proposal not cached:", count)
	}

	if _, err := client.GetProposal(ctx, "unknown"); !IsNotFound(err) {
		t.Error("unknown proposal not reported as missing:", err)
	}
}
