package fakegcp

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	serviceusage "google.golang.org/api/serviceusage/v1"
)

// pendingOperation completes after polls reads.
type pendingOperation struct {
	polls int
}

func (s *Server) getService(c *gin.Context) {
	p := s.lookupProject(c, c.Param("project"))
	if p == nil {
		return
	}
	service := c.Param("service")
	c.JSON(http.StatusOK, &serviceusage.GoogleApiServiceusageV1Service{
		Name:   fmt.Sprintf("projects/%d/services/%s", p.Number, service),
		Parent: fmt.Sprintf("projects/%d", p.Number),
		State:  p.ServiceState(service),
	})
}

// enableService flips the service on immediately and hands back an
// operation that reports done on its first poll.
func (s *Server) enableService(c *gin.Context) {
	p := s.lookupProject(c, c.Param("project"))
	if p == nil {
		return
	}
	service, action := splitAction(c.Param("service"))
	if action != "enable" {
		writeError(c, http.StatusNotFound, "unknown service method "+action)
		return
	}

	p.Services[service] = stateEnabled
	name := fmt.Sprintf("operations/acf.p2-%d", s.newID())
	s.operations[name] = &pendingOperation{polls: 1}
	c.JSON(http.StatusOK, &serviceusage.Operation{Name: name})
}

func (s *Server) getOperation(c *gin.Context) {
	name := "operations/" + c.Param("operation")
	op, ok := s.operations[name]
	if !ok {
		writeError(c, http.StatusNotFound, fmt.Sprintf("Operation %s not found", name))
		return
	}

	op.polls--
	c.JSON(http.StatusOK, &serviceusage.Operation{Name: name, Done: op.polls <= 0})
}
