package fakegcp

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	orgpolicy "google.golang.org/api/orgpolicy/v2"
)

func (s *Server) getPolicy(c *gin.Context) {
	p := s.lookupProject(c, c.Param("project"))
	if p == nil {
		return
	}
	constraint := c.Param("policy")
	policy, ok := p.Policies[constraint]
	if !ok {
		writeError(c, http.StatusNotFound, fmt.Sprintf("Policy projects/%s/policies/%s not found", p.ID, constraint))
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (s *Server) createPolicy(c *gin.Context) {
	p := s.lookupProject(c, c.Param("project"))
	if p == nil {
		return
	}

	var policy orgpolicy.GoogleCloudOrgpolicyV2Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid JSON payload: "+err.Error())
		return
	}
	prefix := fmt.Sprintf("projects/%s/policies/", p.ID)
	if !strings.HasPrefix(policy.Name, prefix) {
		writeError(c, http.StatusBadRequest, fmt.Sprintf("Policy name %q does not belong to %s", policy.Name, prefix))
		return
	}
	constraint := strings.TrimPrefix(policy.Name, prefix)
	if _, ok := p.Policies[constraint]; ok {
		writeError(c, http.StatusConflict, fmt.Sprintf("Policy %s already exists", policy.Name))
		return
	}

	s.storePolicy(p, constraint, &policy)
	c.JSON(http.StatusOK, &policy)
}

func (s *Server) patchPolicy(c *gin.Context) {
	p := s.lookupProject(c, c.Param("project"))
	if p == nil {
		return
	}
	constraint := c.Param("policy")
	current, ok := p.Policies[constraint]
	if !ok {
		writeError(c, http.StatusNotFound, fmt.Sprintf("Policy projects/%s/policies/%s not found", p.ID, constraint))
		return
	}

	var policy orgpolicy.GoogleCloudOrgpolicyV2Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid JSON payload: "+err.Error())
		return
	}
	if policy.Etag != "" && policy.Etag != current.Etag {
		writeError(c, http.StatusConflict, "The policy was modified concurrently; etag mismatch")
		return
	}

	s.storePolicy(p, constraint, &policy)
	c.JSON(http.StatusOK, &policy)
}

func (s *Server) storePolicy(p *Project, constraint string, policy *orgpolicy.GoogleCloudOrgpolicyV2Policy) {
	policy.Name = fmt.Sprintf("projects/%s/policies/%s", p.ID, constraint)
	policy.Etag = p.nextEtag()
	if policy.Spec != nil {
		policy.Spec.Etag = policy.Etag
		policy.Spec.UpdateTime = time.Now().UTC().Format(time.RFC3339)
	}
	p.Policies[constraint] = policy
}
