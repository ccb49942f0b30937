// Package scicattest provides an in-memory SciCat server for tests.
package scicattest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// Username is the account accepted by the server.
	Username = "ingestor"
	// Password is the password accepted by the server.
	Password = "12342345"
)

// Request is a recorded authenticated request.
type Request struct {
	// Method is the request method.
	Method string
	// Path is the unescaped request path split into segments.
	Path []string
	// Body is the request body.
	Body []byte
}

// Is returns whether the request has the specified method and path segments.
func (r Request) Is(method string, path ...string) bool {
	if r.Method != method || len(r.Path) != len(path) {
		return false
	}
	for i := range path {
		if r.Path[i] != path[i] {
			return false
		}
	}
	return true
}

// Server is a fake SciCat API. It understands the login, dataset,
// origdatablock, attachment and proposal endpoints with their default paths.
type Server struct {
	*httptest.Server

	// lock guards the fields below.
	lock sync.Mutex
	// pidPrefix is prepended to the pids of created datasets.
	pidPrefix string
	// logins is the number of successful logins.
	logins int
	// tokens are the currently valid tokens.
	tokens map[string]bool
	// failures are status codes returned for upcoming authenticated requests.
	failures []int
	// requests are the recorded authenticated requests.
	requests []Request
	// datasets maps pids to dataset documents.
	datasets map[string]map[string]interface{}
	// datablocks maps identifiers to origdatablock documents.
	datablocks map[string]map[string]interface{}
	// datablockOrder records origdatablock creation order.
	datablockOrder []string
	// attachments maps pids to attachment documents.
	attachments map[string][]map[string]interface{}
	// proposals maps proposal identifiers to proposal documents.
	proposals map[string]map[string]interface{}
}

// NewServer starts a new fake server. It must be closed by the caller.
func NewServer() *Server {
	s := &Server{
		tokens:      make(map[string]bool),
		datasets:    make(map[string]map[string]interface{}),
		datablocks:  make(map[string]map[string]interface{}),
		attachments: make(map[string][]map[string]interface{}),
		proposals:   make(map[string]map[string]interface{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// SetPIDPrefix sets the prefix that the server prepends to the pids of created
// datasets, as SciCat does with its configured DOI prefix. The full pid is
// "<prefix>/<pid>".
func (s *Server) SetPIDPrefix(prefix string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pidPrefix = prefix
}

// Logins returns the number of successful logins.
func (s *Server) Logins() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.logins
}

// ExpireTokens invalidates all issued tokens.
func (s *Server) ExpireTokens() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tokens = make(map[string]bool)
}

// Fail makes the next authenticated requests fail with the specified status
// codes, in order.
func (s *Server) Fail(codes ...int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failures = append(s.failures, codes...)
}

// Requests returns the recorded authenticated requests.
func (s *Server) Requests() []Request {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns the number of recorded requests with the specified method
// whose first path segment is collection.
func (s *Server) Count(method, collection string) int {
	var count int
	for _, request := range s.Requests() {
		if request.Method == method && len(request.Path) > 0 && request.Path[0] == collection {
			count++
		}
	}
	return count
}

// ResetRequests clears the recorded requests.
func (s *Server) ResetRequests() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.requests = nil
}

// Dataset returns a stored dataset document.
func (s *Server) Dataset(pid string) (map[string]interface{}, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	document, ok := s.datasets[pid]
	return document, ok
}

// Datablocks returns the stored origdatablocks of a dataset in creation
// order.
func (s *Server) Datablocks(datasetID string) []map[string]interface{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	var result []map[string]interface{}
	for _, id := range s.datablockOrder {
		if document, ok := s.datablocks[id]; ok && document["datasetId"] == datasetID {
			result = append(result, document)
		}
	}
	return result
}

// Attachments returns the stored attachments of a dataset.
func (s *Server) Attachments(pid string) []map[string]interface{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.attachments[pid]
}

// AddProposal registers a proposal document.
func (s *Server) AddProposal(id, ownerGroup string, accessGroups ...string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	groups := make([]interface{}, len(accessGroups))
	for i, group := range accessGroups {
		groups[i] = group
	}
	s.proposals[id] = map[string]interface{}{
		"proposalId":   id,
		"ownerGroup":   ownerGroup,
		"accessGroups": groups,
	}
}

// reply writes a JSON response.
func reply(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

// problem writes an error response.
func problem(w http.ResponseWriter, status int, message string) {
	reply(w, status, map[string]interface{}{"error": map[string]interface{}{
		"statusCode": status, "message": message,
	}})
}

// segments splits an escaped request path into unescaped segments.
func segments(r *http.Request) []string {
	var result []string
	for _, segment := range strings.Split(strings.Trim(r.URL.EscapedPath(), "/"), "/") {
		if unescaped, err := url.PathUnescape(segment); err == nil {
			segment = unescaped
		}
		result = append(result, segment)
	}
	return result
}

// serve handles a request.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := segments(r)

	s.lock.Lock()
	defer s.lock.Unlock()

	// Handle logins.
	if r.Method == http.MethodPost && len(path) == 2 && path[0] == "Users" && path[1] == "login" {
		if gjson.GetBytes(body, "username").String() != Username ||
			gjson.GetBytes(body, "password").String() != Password {
			problem(w, http.StatusUnauthorized, "login failed")
			return
		}
		token := uuid.New().String()
		s.tokens[token] = true
		s.logins++
		reply(w, http.StatusOK, map[string]interface{}{"id": token, "ttl": 1209600})
		return
	}

	// Authenticate and record the request.
	if !s.tokens[r.URL.Query().Get("access_token")] {
		problem(w, http.StatusUnauthorized, "authorization required")
		return
	}
	s.requests = append(s.requests, Request{Method: r.Method, Path: path, Body: body})
	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		problem(w, status, "injected failure")
		return
	}

	// Dispatch by collection.
	switch {
	case len(path) >= 1 && path[0] == "RawDatasets":
		s.serveDatasets(w, r, path[1:], body)
	case len(path) >= 1 && path[0] == "OrigDatablocks":
		s.serveDatablocks(w, r, path[1:], body)
	case len(path) == 2 && path[0] == "Proposals" && r.Method == http.MethodGet:
		if proposal, ok := s.proposals[path[1]]; ok {
			reply(w, http.StatusOK, proposal)
		} else {
			problem(w, http.StatusNotFound, "unknown proposal")
		}
	default:
		problem(w, http.StatusNotFound, "unknown endpoint")
	}
}

// serveDatasets handles dataset requests. It must be called with the lock
// held.
func (s *Server) serveDatasets(w http.ResponseWriter, r *http.Request, path []string, body []byte) {
	switch {
	case len(path) == 0 && r.Method == http.MethodPost:
		var document map[string]interface{}
		if err := json.Unmarshal(body, &document); err != nil {
			problem(w, http.StatusBadRequest, "invalid dataset")
			return
		}
		pid, _ := document["pid"].(string)
		if pid == "" {
			problem(w, http.StatusUnprocessableEntity, "missing pid")
			return
		}
		pid = s.pidPrefix + "/" + pid
		document["pid"] = pid
		if _, ok := s.datasets[pid]; ok {
			problem(w, http.StatusBadRequest, "duplicate pid")
			return
		}
		s.datasets[pid] = document
		reply(w, http.StatusOK, document)
	case len(path) == 2 && path[1] == "exists" && r.Method == http.MethodGet:
		_, ok := s.datasets[path[0]]
		reply(w, http.StatusOK, map[string]bool{"exists": ok})
	case len(path) == 2 && path[1] == "attachments" && r.Method == http.MethodPost:
		if _, ok := s.datasets[path[0]]; !ok {
			problem(w, http.StatusNotFound, "unknown dataset")
			return
		}
		var document map[string]interface{}
		if err := json.Unmarshal(body, &document); err != nil {
			problem(w, http.StatusBadRequest, "invalid attachment")
			return
		}
		s.attachments[path[0]] = append(s.attachments[path[0]], document)
		reply(w, http.StatusOK, document)
	case len(path) == 1:
		document, ok := s.datasets[path[0]]
		if !ok {
			problem(w, http.StatusNotFound, "unknown dataset")
			return
		}
		switch r.Method {
		case http.MethodGet:
			reply(w, http.StatusOK, document)
		case http.MethodPatch:
			original, _ := json.Marshal(document)
			patched, err := jsonpatch.MergePatch(original, body)
			if err != nil {
				problem(w, http.StatusBadRequest, "invalid patch")
				return
			}
			var updated map[string]interface{}
			json.Unmarshal(patched, &updated)
			s.datasets[path[0]] = updated
			reply(w, http.StatusOK, updated)
		default:
			problem(w, http.StatusMethodNotAllowed, "unsupported method")
		}
	default:
		problem(w, http.StatusNotFound, "unknown endpoint")
	}
}

// filterDatasetID extracts the datasetId condition of a loopback filter.
func filterDatasetID(r *http.Request) string {
	return gjson.Get(r.URL.Query().Get("filter"), "where.datasetId").String()
}

// serveDatablocks handles origdatablock requests. It must be called with the
// lock held.
func (s *Server) serveDatablocks(w http.ResponseWriter, r *http.Request, path []string, body []byte) {
	switch {
	case len(path) == 0 && r.Method == http.MethodPost:
		var document map[string]interface{}
		if err := json.Unmarshal(body, &document); err != nil {
			problem(w, http.StatusBadRequest, "invalid origdatablock")
			return
		}
		datasetID, _ := document["datasetId"].(string)
		if _, ok := s.datasets[datasetID]; !ok {
			problem(w, http.StatusBadRequest, "unknown dataset")
			return
		}
		id := uuid.New().String()
		document["id"] = id
		s.datablocks[id] = document
		s.datablockOrder = append(s.datablockOrder, id)
		reply(w, http.StatusOK, document)
	case len(path) == 0 && r.Method == http.MethodGet:
		datasetID := filterDatasetID(r)
		result := []map[string]interface{}{}
		for _, id := range s.datablockOrder {
			if document, ok := s.datablocks[id]; ok && document["datasetId"] == datasetID {
				result = append(result, document)
			}
		}
		reply(w, http.StatusOK, result)
	case len(path) == 1 && path[0] == "findOne" && r.Method == http.MethodGet:
		datasetID := filterDatasetID(r)
		for _, id := range s.datablockOrder {
			if document, ok := s.datablocks[id]; ok && document["datasetId"] == datasetID {
				reply(w, http.StatusOK, document)
				return
			}
		}
		problem(w, http.StatusNotFound, "no origdatablock")
	case len(path) == 1 && r.Method == http.MethodDelete:
		if _, ok := s.datablocks[path[0]]; !ok {
			problem(w, http.StatusNotFound, "unknown origdatablock")
			return
		}
		delete(s.datablocks, path[0])
		reply(w, http.StatusOK, map[string]int{"count": 1})
	default:
		problem(w, http.StatusNotFound, "unknown endpoint")
	}
}
