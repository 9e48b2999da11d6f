package fakegcp

import (
	"fmt"
	"net/http"
	"reflect"
	"strconv"

	"github.com/gin-gonic/gin"
	serviceusagebeta "google.golang.org/api/serviceusage/v1beta1"
)

const defaultQuotaPageSize = 2

// listQuotaMetrics pages through the seeded metrics; the page token is the
// index of the next metric.
func (s *Server) listQuotaMetrics(c *gin.Context) {
	p := s.lookupProject(c, c.Param("project"))
	if p == nil {
		return
	}
	metrics := p.QuotaMetrics[c.Param("service")]

	pageSize := defaultQuotaPageSize
	if size, err := strconv.Atoi(c.Query("pageSize")); err == nil && size > 0 {
		pageSize = size
	}
	start := 0
	if token := c.Query("pageToken"); token != "" {
		var err error
		if start, err = strconv.Atoi(token); err != nil || start > len(metrics) {
			writeError(c, http.StatusBadRequest, fmt.Sprintf("Invalid page token %q", token))
			return
		}
	}
	end := start + pageSize
	response := &serviceusagebeta.ListConsumerQuotaMetricsResponse{}
	if end < len(metrics) {
		response.NextPageToken = strconv.Itoa(end)
	} else {
		end = len(metrics)
	}
	response.Metrics = metrics[start:end]
	c.JSON(http.StatusOK, response)
}

func (s *Server) listOverrides(c *gin.Context) {
	p, limitName, _ := s.lookupLimit(c)
	if p == nil {
		return
	}
	if p.OverrideListDenied[limitName] {
		writeError(c, http.StatusForbidden, fmt.Sprintf("Permission denied to list consumer overrides of %s", limitName))
		return
	}
	c.JSON(http.StatusOK, &serviceusagebeta.ListConsumerOverridesResponse{Overrides: p.Overrides[limitName]})
}

// createOverride refuses decreases without force, then lowers the matching
// bucket to the override value.
func (s *Server) createOverride(c *gin.Context) {
	p, limitName, limit := s.lookupLimit(c)
	if p == nil {
		return
	}

	var override serviceusagebeta.QuotaOverride
	if err := c.ShouldBindJSON(&override); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid JSON payload: "+err.Error())
		return
	}

	var bucket *serviceusagebeta.QuotaBucket
	for _, b := range limit.QuotaBuckets {
		if reflect.DeepEqual(b.Dimensions, override.Dimensions) {
			bucket = b
			break
		}
	}
	if bucket == nil {
		writeError(c, http.StatusBadRequest, fmt.Sprintf("No quota bucket of %s matches dimensions %v", limitName, override.Dimensions))
		return
	}
	for _, existing := range p.Overrides[limitName] {
		if reflect.DeepEqual(existing.Dimensions, override.Dimensions) {
			writeError(c, http.StatusConflict, fmt.Sprintf("An override for dimensions %v already exists", override.Dimensions))
			return
		}
	}
	if override.OverrideValue < bucket.EffectiveLimit && c.Query("force") != "true" {
		writeError(c, http.StatusBadRequest, "The override would decrease quota by more than 10%; retry with force=true to apply this unsafe reduction")
		return
	}

	override.Name = fmt.Sprintf("%s/consumerOverrides/%d", limitName, s.newID())
	p.Overrides[limitName] = append(p.Overrides[limitName], &override)
	bucket.EffectiveLimit = override.OverrideValue
	c.JSON(http.StatusOK, &serviceusagebeta.Operation{Name: fmt.Sprintf("operations/quota-%d", s.newID()), Done: true})
}

func (s *Server) lookupLimit(c *gin.Context) (*Project, string, *serviceusagebeta.ConsumerQuotaLimit) {
	p := s.lookupProject(c, c.Param("project"))
	if p == nil {
		return nil, "", nil
	}
	limitName := fmt.Sprintf("projects/%d/services/%s/consumerQuotaMetrics/%s/limits/%s",
		p.Number, c.Param("service"), c.Param("metric"), c.Param("limit"))
	for _, metric := range p.QuotaMetrics[c.Param("service")] {
		for _, limit := range metric.ConsumerQuotaLimits {
			if limit.Name == limitName {
				return p, limitName, limit
			}
		}
	}
	writeError(c, http.StatusNotFound, fmt.Sprintf("Quota limit %s not found", limitName))
	return nil, "", nil
}
