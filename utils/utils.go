package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
)

func ProjectResourceName(projectID string) string {
	return fmt.Sprintf("projects/%s", projectID)
}

func ServiceResourceName(projectID, apiName string) string {
	return fmt.Sprintf("projects/%s/services/%s", projectID, apiName)
}

func PolicyResourceName(projectID, constraint string) string {
	return fmt.Sprintf("projects/%s/policies/%s", projectID, constraint)
}

func RoleResourceName(projectID, roleID string) string {
	return fmt.Sprintf("projects/%s/roles/%s", projectID, roleID)
}

func ServiceAccountEmail(projectID, accountID string) string {
	return fmt.Sprintf("%s@%s.iam.gserviceaccount.com", accountID, projectID)
}

// ServiceAccountResourceName uses the "-" project wildcard; the email already
// pins the project.
func ServiceAccountResourceName(email string) string {
	return "projects/-/serviceAccounts/" + email
}

func ServiceAccountMember(email string) string {
	return "serviceAccount:" + email
}

// LastSegment returns what follows the final "/" of a resource name.
func LastSegment(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// SameStringSet reports whether a and b hold the same strings, ignoring order
// and duplicates.
func SameStringSet(a, b []string) bool {
	return strings.Join(SortedUnique(a), "\x00") == strings.Join(SortedUnique(b), "\x00")
}

func SortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func ContainsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func GenerateRandomHex(len int) string {
	arr := make([]byte, len)
	if _, err := rand.Read(arr); err != nil {
		log.Fatalf("generating random bytes: %v", err)
	}
	return hex.EncodeToString(arr)
}
