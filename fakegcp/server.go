// Package fakegcp is an in-memory stand-in for the slice of the Google Cloud
// REST control plane that labsetup talks to: Resource Manager, Service Usage
// (v1 and v1beta1), Org Policy v2 and IAM. Point the real client libraries at
// it with option.WithEndpoint and option.WithoutAuthentication.
package fakegcp

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// Route names accepted by FailNext.
const (
	RouteProjectGet           = "crm.projects.get"
	RouteGetIamPolicy         = "crm.projects.getIamPolicy"
	RouteSetIamPolicy         = "crm.projects.setIamPolicy"
	RouteServiceGet           = "serviceusage.services.get"
	RouteServiceEnable        = "serviceusage.services.enable"
	RouteOperationGet         = "serviceusage.operations.get"
	RoutePolicyGet            = "orgpolicy.policies.get"
	RoutePolicyCreate         = "orgpolicy.policies.create"
	RoutePolicyPatch          = "orgpolicy.policies.patch"
	RouteRoleCreate           = "iam.roles.create"
	RouteRoleGet              = "iam.roles.get"
	RouteRolePatch            = "iam.roles.patch"
	RouteRoleUndelete         = "iam.roles.undelete"
	RouteServiceAccountCreate = "iam.serviceAccounts.create"
	RouteServiceAccountGet    = "iam.serviceAccounts.get"
	RouteServiceAccountEnable = "iam.serviceAccounts.enable"
	RouteKeyCreate            = "iam.serviceAccounts.keys.create"
	RouteQuotaMetricsList     = "serviceusage.consumerQuotaMetrics.list"
	RouteOverridesList        = "serviceusage.consumerOverrides.list"
	RouteOverrideCreate       = "serviceusage.consumerOverrides.create"
)

type fault struct {
	code    int
	message string
	times   int
}

// Server holds the fake state. All exported state is safe to read once the
// requests under test have returned.
type Server struct {
	mu         sync.Mutex
	router     *gin.Engine
	projects   map[string]*Project
	operations map[string]*pendingOperation
	faults     map[string][]*fault
	requests   []string
	nextID     int64
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func New() *Server {
	s := &Server{
		projects:   make(map[string]*Project),
		operations: make(map[string]*pendingOperation),
		faults:     make(map[string][]*fault),
		nextID:     100000000000,
	}
	s.router = s.initialize()
	return s
}

// Start serves the fake on a local listener. The caller closes it.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s.router)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// FailNext makes the next times calls of route fail with code and message
// before any state is touched.
func (s *Server) FailNext(route string, code int, message string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = append(s.faults[route], &fault{code: code, message: message, times: times})
}

// Requests returns "METHOD path" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// CountRequests counts served requests whose "METHOD path" contains substr.
func (s *Server) CountRequests(substr string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.Contains(r, substr) {
			n++
		}
	}
	return n
}

func (s *Server) initialize() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.recordRequest())

	v1 := router.Group("/v1")
	{
		v1.GET("/projects/:project", s.handle(RouteProjectGet, s.getProject))
		v1.POST("/projects/:project", s.projectAction)

		v1.GET("/projects/:project/services/:service", s.handle(RouteServiceGet, s.getService))
		v1.POST("/projects/:project/services/:service", s.handle(RouteServiceEnable, s.enableService))
		v1.GET("/operations/:operation", s.handle(RouteOperationGet, s.getOperation))

		v1.POST("/projects/:project/roles", s.handle(RouteRoleCreate, s.createRole))
		v1.GET("/projects/:project/roles/:role", s.handle(RouteRoleGet, s.getRole))
		v1.PATCH("/projects/:project/roles/:role", s.handle(RouteRolePatch, s.patchRole))
		v1.POST("/projects/:project/roles/:role", s.handle(RouteRoleUndelete, s.undeleteRole))

		v1.POST("/projects/:project/serviceAccounts", s.handle(RouteServiceAccountCreate, s.createServiceAccount))
		v1.GET("/projects/:project/serviceAccounts/:account", s.handle(RouteServiceAccountGet, s.getServiceAccount))
		v1.POST("/projects/:project/serviceAccounts/:account", s.handle(RouteServiceAccountEnable, s.enableServiceAccount))
		v1.POST("/projects/:project/serviceAccounts/:account/keys", s.handle(RouteKeyCreate, s.createKey))
	}

	v2 := router.Group("/v2")
	{
		v2.GET("/projects/:project/policies/:policy", s.handle(RoutePolicyGet, s.getPolicy))
		v2.POST("/projects/:project/policies", s.handle(RoutePolicyCreate, s.createPolicy))
		v2.PATCH("/projects/:project/policies/:policy", s.handle(RoutePolicyPatch, s.patchPolicy))
	}

	v1beta1 := router.Group("/v1beta1/projects/:project/services/:service/consumerQuotaMetrics")
	{
		v1beta1.GET("", s.handle(RouteQuotaMetricsList, s.listQuotaMetrics))
		v1beta1.GET("/:metric/limits/:limit/consumerOverrides", s.handle(RouteOverridesList, s.listOverrides))
		v1beta1.POST("/:metric/limits/:limit/consumerOverrides", s.handle(RouteOverrideCreate, s.createOverride))
	}

	router.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, fmt.Sprintf("no fake route for %s %s", c.Request.Method, c.Request.URL.Path))
	})
	return router
}

func (s *Server) recordRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.requests = append(s.requests, c.Request.Method+" "+c.Request.URL.Path)
		s.mu.Unlock()
		c.Next()
	}
}

// handle serializes handlers and applies injected faults for route.
func (s *Server) handle(route string, fn gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if f := s.popFault(route); f != nil {
			writeError(c, f.code, f.message)
			return
		}
		fn(c)
	}
}

func (s *Server) popFault(route string) *fault {
	queue := s.faults[route]
	if len(queue) == 0 {
		return nil
	}
	f := queue[0]
	f.times--
	if f.times <= 0 {
		s.faults[route] = queue[1:]
	}
	return f
}

func (s *Server) newID() int64 {
	s.nextID++
	return s.nextID
}

// projectAction dispatches the ":verb" custom methods on a project.
func (s *Server) projectAction(c *gin.Context) {
	projectID, action := splitAction(c.Param("project"))
	switch action {
	case "getIamPolicy":
		s.handle(RouteGetIamPolicy, func(c *gin.Context) { s.getIamPolicy(c, projectID) })(c)
	case "setIamPolicy":
		s.handle(RouteSetIamPolicy, func(c *gin.Context) { s.setIamPolicy(c, projectID) })(c)
	default:
		writeError(c, http.StatusNotFound, "unknown project method "+action)
	}
}

// lookupProject resolves a project id or number, or writes the error GCP
// returns for projects the caller cannot see.
func (s *Server) lookupProject(c *gin.Context, projectID string) *Project {
	p, ok := s.projects[projectID]
	if !ok {
		for _, candidate := range s.projects {
			if strconv.FormatInt(candidate.Number, 10) == projectID {
				p, ok = candidate, true
				break
			}
		}
	}
	if !ok || p.Forbidden {
		writeError(c, http.StatusForbidden, fmt.Sprintf("The caller does not have permission on project %s, or it may not exist", projectID))
		return nil
	}
	return p
}

// splitAction splits "name:verb" into its parts.
func splitAction(param string) (string, string) {
	if i := strings.LastIndex(param, ":"); i >= 0 {
		return param[:i], param[i+1:]
	}
	return param, ""
}

var statusNames = map[int]string{
	http.StatusBadRequest:         "FAILED_PRECONDITION",
	http.StatusForbidden:          "PERMISSION_DENIED",
	http.StatusNotFound:           "NOT_FOUND",
	http.StatusConflict:           "ALREADY_EXISTS",
	http.StatusTooManyRequests:    "RESOURCE_EXHAUSTED",
	http.StatusServiceUnavailable: "UNAVAILABLE",
}

// writeError answers in the JSON error envelope googleapi.CheckResponse parses.
func writeError(c *gin.Context, code int, message string) {
	status, ok := statusNames[code]
	if !ok {
		status = "UNKNOWN"
	}
	c.AbortWithStatusJSON(code, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"status":  status,
			"errors": []gin.H{
				{"message": message, "domain": "global", "reason": strings.ToLower(status)},
			},
		},
	})
}
