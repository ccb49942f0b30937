package scicat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/logging"
)

const (
	// proposalCacheSize is the number of proposals whose ownership is cached.
	proposalCacheSize = 64
	// accessTokenParameter is the query parameter carrying the token.
	accessTokenParameter = "access_token"
)

// Proposal holds the ownership fields of a SciCat proposal.
type Proposal struct {
	// OwnerGroup is the proposal's owner group.
	OwnerGroup string
	// AccessGroups are the proposal's access groups.
	AccessGroups []string
}

// Client is a SciCat API client. It caches its access token, logs in again
// once when a request is rejected as unauthorized, and retries transport
// failures and server errors according to its RetryPolicy. It is safe for
// concurrent usage.
type Client struct {
	// baseURL is the API base URL without trailing slash.
	baseURL string
	// loginPath is the login endpoint path.
	loginPath string
	// datasetsPath is the datasets endpoint path.
	datasetsPath string
	// datablocksPath is the origdatablocks endpoint path.
	datablocksPath string
	// attachmentsPath is the attachments path below a dataset.
	attachmentsPath string
	// proposalsPath is the proposals endpoint path.
	proposalsPath string
	// headers are added to every request.
	headers map[string]string
	// username is the ingestor account name.
	username string
	// credentialFile holds the ingestor account password.
	credentialFile string
	// http is the underlying HTTP client.
	http *http.Client
	// retry is the retry policy.
	retry RetryPolicy
	// logger is the client logger.
	logger *logging.Logger

	// tokenLock guards token.
	tokenLock sync.Mutex
	// token is the cached access token.
	token string

	// proposalLock guards proposals.
	proposalLock sync.Mutex
	// proposals caches proposal ownership by proposal identifier.
	proposals *lru.Cache
}

// NewClient creates a client from the configuration.
func NewClient(c *configuration.Configuration, logger *logging.Logger) *Client {
	return &Client{
		baseURL:         strings.TrimRight(c.ScicatURL, "/"),
		loginPath:       strings.Trim(c.ScicatUsersLoginPath, "/"),
		datasetsPath:    strings.Trim(c.ScicatDatasetsPath, "/"),
		datablocksPath:  strings.Trim(c.ScicatDatablocksPath, "/"),
		attachmentsPath: strings.Trim(c.ScicatAttachmentsPath, "/"),
		proposalsPath:   strings.Trim(c.ScicatProposalsPath, "/"),
		headers:         c.RequestHeaders,
		username:        c.IngestorUsername,
		credentialFile:  c.IngestorCredentialFile,
		http:            &http.Client{Timeout: c.RequestTimeoutDuration()},
		retry:           RetryPolicy{MaxTries: c.MaxRequestTriesNumber, Step: DefaultRetryStep},
		logger:          logger,
		proposals:       lru.New(proposalCacheSize),
	}
}

// SetRetryStep overrides the linear backoff increment.
func (c *Client) SetRetryStep(step time.Duration) {
	c.retry.Step = step
}

// endpoint joins the base URL and path elements.
func (c *Client) endpoint(elements ...string) string {
	return c.baseURL + "/" + strings.Join(elements, "/")
}

// roundTrip performs a request with retries on transport failures and server
// errors. It returns the response body of a successful (2xx) response or a
// *StatusError for any other response.
func (c *Client) roundTrip(ctx context.Context, method, target string, query url.Values, body []byte) ([]byte, error) {
	// Compute the full URL.
	full := target
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	path := strings.TrimPrefix(target, c.baseURL)

	var result []byte
	err := c.retry.Do(ctx, func() error {
		// Create the request.
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		request, err := http.NewRequestWithContext(ctx, method, full, reader)
		if err != nil {
			return permanent(errors.Wrap(err, "unable to create request"))
		}
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("Accept", "application/json")
		for key, value := range c.headers {
			request.Header.Set(key, value)
		}

		// Perform the request.
		c.logger.Debugf("%s %s", method, path)
		response, err := c.http.Do(request)
		if err != nil {
			if ctx.Err() != nil {
				return permanent(ctx.Err())
			}
			c.logger.Debugf("%s %s failed: %v", method, path, err)
			return errors.Wrapf(err, "%s %s", method, path)
		}
		data, err := io.ReadAll(response.Body)
		response.Body.Close()
		if err != nil {
			return errors.Wrap(err, "unable to read response")
		}

		// Classify the response.
		if response.StatusCode >= 200 && response.StatusCode < 300 {
			result = data
			return nil
		}
		statusErr := &StatusError{Method: method, Path: path, StatusCode: response.StatusCode, Body: string(data)}
		if isServerError(statusErr) {
			c.logger.Debugf("%s %s failed: %v", method, path, statusErr)
			return statusErr
		}
		return permanent(statusErr)
	})
	return result, err
}

// readCredential reads the ingestor password.
func (c *Client) readCredential() (string, error) {
	if c.credentialFile == "" {
		return "", errors.New("no ingestor credential file configured")
	}
	data, err := os.ReadFile(c.credentialFile)
	if err != nil {
		return "", errors.Wrap(err, "unable to read credential file")
	}
	return strings.TrimSpace(string(data)), nil
}

// Login obtains a new access token and caches it.
func (c *Client) Login(ctx context.Context) (string, error) {
	password, err := c.readCredential()
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]string{"username": c.username, "password": password})
	if err != nil {
		return "", errors.Wrap(err, "unable to encode credentials")
	}
	response, err := c.roundTrip(ctx, http.MethodPost, c.endpoint(c.loginPath), nil, body)
	if err != nil {
		return "", errors.Wrap(err, "unable to log in")
	}
	token := gjson.GetBytes(response, "id").String()
	if token == "" {
		token = gjson.GetBytes(response, "access_token").String()
	}
	if token == "" {
		return "", ErrNoToken
	}

	c.tokenLock.Lock()
	c.token = token
	c.tokenLock.Unlock()
	c.logger.Debugf("Logged in as %s", c.username)
	return token, nil
}

// Token returns the cached access token, logging in if necessary.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.tokenLock.Lock()
	token := c.token
	c.tokenLock.Unlock()
	if token != "" {
		return token, nil
	}
	return c.Login(ctx)
}

// InvalidateToken discards the cached access token.
func (c *Client) InvalidateToken() {
	c.tokenLock.Lock()
	c.token = ""
	c.tokenLock.Unlock()
}

// do performs an authenticated request. An unauthorized response triggers a
// single new login and retry.
func (c *Client) do(ctx context.Context, method, target string, query url.Values, body []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, err
		}
		parameters := url.Values{}
		for key, values := range query {
			parameters[key] = values
		}
		parameters.Set(accessTokenParameter, token)

		response, err := c.roundTrip(ctx, method, target, parameters, body)
		if err != nil && IsUnauthorized(err) && attempt == 0 {
			c.logger.Infof("Access token rejected, logging in again")
			c.InvalidateToken()
			continue
		}
		return response, err
	}
}

// datasetEndpoint returns the endpoint of a dataset.
func (c *Client) datasetEndpoint(pid string, elements ...string) string {
	return c.endpoint(append([]string{c.datasetsPath, url.PathEscape(pid)}, elements...)...)
}

// DatasetExists returns whether a dataset with the specified pid exists.
func (c *Client) DatasetExists(ctx context.Context, pid string) (bool, error) {
	response, err := c.do(ctx, http.MethodGet, c.datasetEndpoint(pid, "exists"), nil, nil)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return gjson.GetBytes(response, "exists").Bool(), nil
}

// GetDataset fetches a dataset document.
func (c *Client) GetDataset(ctx context.Context, pid string) (map[string]interface{}, error) {
	response, err := c.do(ctx, http.MethodGet, c.datasetEndpoint(pid), nil, nil)
	if err != nil {
		return nil, err
	}
	var document map[string]interface{}
	if err := unmarshal(response, &document); err != nil {
		return nil, errors.Wrap(err, "unable to decode dataset")
	}
	return document, nil
}

// CreateDataset creates a dataset and returns its pid as assigned by SciCat.
func (c *Client) CreateDataset(ctx context.Context, document []byte) (string, error) {
	response, err := c.do(ctx, http.MethodPost, c.endpoint(c.datasetsPath), nil, document)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(response, "pid").String(), nil
}

// PatchDataset applies a partial update to a dataset.
func (c *Client) PatchDataset(ctx context.Context, pid string, patch []byte) error {
	_, err := c.do(ctx, http.MethodPatch, c.datasetEndpoint(pid), nil, patch)
	return err
}

// datasetFilter returns a loopback filter selecting by dataset identifier.
func datasetFilter(datasetID string) url.Values {
	filter, _ := json.Marshal(map[string]interface{}{
		"where": map[string]string{"datasetId": datasetID},
	})
	return url.Values{"filter": []string{string(filter)}}
}

// documentID extracts an entity identifier from a response document.
func documentID(result gjson.Result) string {
	if id := result.Get("id").String(); id != "" {
		return id
	}
	return result.Get("_id").String()
}

// FindOrigDatablock returns the identifier of an origdatablock of a dataset,
// or an empty string if there is none.
func (c *Client) FindOrigDatablock(ctx context.Context, datasetID string) (string, error) {
	response, err := c.do(ctx, http.MethodGet, c.endpoint(c.datablocksPath, "findOne"), datasetFilter(datasetID), nil)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return documentID(gjson.ParseBytes(response)), nil
}

// FindOrigDatablocks returns the identifiers of all origdatablocks of a
// dataset.
func (c *Client) FindOrigDatablocks(ctx context.Context, datasetID string) ([]string, error) {
	response, err := c.do(ctx, http.MethodGet, c.endpoint(c.datablocksPath), datasetFilter(datasetID), nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var identifiers []string
	gjson.ParseBytes(response).ForEach(func(_, value gjson.Result) bool {
		if id := documentID(value); id != "" {
			identifiers = append(identifiers, id)
		}
		return true
	})
	return identifiers, nil
}

// CreateOrigDatablock creates an origdatablock and returns its identifier.
func (c *Client) CreateOrigDatablock(ctx context.Context, document []byte) (string, error) {
	response, err := c.do(ctx, http.MethodPost, c.endpoint(c.datablocksPath), nil, document)
	if err != nil {
		return "", err
	}
	return documentID(gjson.ParseBytes(response)), nil
}

// DeleteOrigDatablock deletes an origdatablock.
func (c *Client) DeleteOrigDatablock(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.endpoint(c.datablocksPath, url.PathEscape(id)), nil, nil)
	return err
}

// CreateAttachment attaches a document to a dataset.
func (c *Client) CreateAttachment(ctx context.Context, pid string, document []byte) error {
	_, err := c.do(ctx, http.MethodPost, c.datasetEndpoint(pid, c.attachmentsPath), nil, document)
	return err
}

// GetProposal returns the ownership fields of a proposal. Results are cached.
func (c *Client) GetProposal(ctx context.Context, proposalID string) (*Proposal, error) {
	// Check the cache.
	c.proposalLock.Lock()
	cached, ok := c.proposals.Get(proposalID)
	c.proposalLock.Unlock()
	if ok {
		return cached.(*Proposal), nil
	}

	// Fetch the proposal.
	response, err := c.do(ctx, http.MethodGet, c.endpoint(c.proposalsPath, url.PathEscape(proposalID)), nil, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to fetch proposal %s", proposalID)
	}
	document := gjson.ParseBytes(response)
	proposal := &Proposal{OwnerGroup: document.Get("ownerGroup").String()}
	document.Get("accessGroups").ForEach(func(_, value gjson.Result) bool {
		proposal.AccessGroups = append(proposal.AccessGroups, value.String())
		return true
	})

	// Cache the result.
	c.proposalLock.Lock()
	c.proposals.Add(proposalID, proposal)
	c.proposalLock.Unlock()
	return proposal, nil
}

// unmarshal decodes a JSON response preserving numbers.
func unmarshal(data []byte, value interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(value)
}
