package fakegcp

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/cloudresourcemanager/v1"
)

func (s *Server) getProject(c *gin.Context) {
	p := s.lookupProject(c, c.Param("project"))
	if p == nil {
		return
	}
	c.JSON(http.StatusOK, &cloudresourcemanager.Project{
		ProjectId:      p.ID,
		ProjectNumber:  p.Number,
		Name:           p.ID,
		LifecycleState: p.LifecycleState,
	})
}

func (s *Server) getIamPolicy(c *gin.Context, projectID string) {
	p := s.lookupProject(c, projectID)
	if p == nil {
		return
	}
	c.JSON(http.StatusOK, p.IamPolicy)
}

// setIamPolicy enforces the etag and rejects members and custom roles that
// do not exist, the way the real API does.
func (s *Server) setIamPolicy(c *gin.Context, projectID string) {
	p := s.lookupProject(c, projectID)
	if p == nil {
		return
	}

	var request cloudresourcemanager.SetIamPolicyRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Policy == nil {
		writeError(c, http.StatusBadRequest, "Invalid JSON payload: policy is required")
		return
	}
	policy := request.Policy
	if policy.Etag != "" && policy.Etag != p.IamPolicy.Etag {
		writeError(c, http.StatusConflict, "There were concurrent policy changes. Please retry the whole read-modify-write with exponential backoff.")
		return
	}

	accountSuffix := fmt.Sprintf("@%s.iam.gserviceaccount.com", p.ID)
	rolePrefix := fmt.Sprintf("projects/%s/roles/", p.ID)
	for _, b := range policy.Bindings {
		if strings.HasPrefix(b.Role, rolePrefix) {
			role, ok := p.Roles[strings.TrimPrefix(b.Role, rolePrefix)]
			if !ok || role.Deleted {
				writeError(c, http.StatusBadRequest, fmt.Sprintf("Role (%s) does not exist in the resource's hierarchy.", b.Role))
				return
			}
		}
		for _, member := range b.Members {
			email := strings.TrimPrefix(member, "serviceAccount:")
			if email == member || !strings.HasSuffix(email, accountSuffix) {
				continue
			}
			if _, ok := p.ServiceAccounts[email]; !ok {
				writeError(c, http.StatusBadRequest, fmt.Sprintf("Service account %s does not exist.", email))
				return
			}
		}
	}

	policy.Etag = p.nextEtag()
	p.IamPolicy = policy
	c.JSON(http.StatusOK, policy)
}
