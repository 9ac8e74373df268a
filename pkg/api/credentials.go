package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/probe"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

func (s *Server) listCredentials(c *gin.Context) {
	creds, err := s.store.ListCredentials()
	if err != nil {
		abortError(c, err)
		return
	}
	if creds == nil {
		creds = []*types.Credential{}
	}
	// The encrypted secret is excluded from serialization by the type.
	c.JSON(http.StatusOK, creds)
}

func (s *Server) createCredential(c *gin.Context) {
	if s.secrets == nil {
		abortValidation(c, "Credential storage requires ENCRYPTION_KEY to be configured")
		return
	}

	var req CredentialCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, err.Error())
		return
	}
	kind, err := types.ParseCredentialKind(req.Kind)
	if err != nil {
		abortValidation(c, err.Error())
		return
	}

	encrypted, err := s.secrets.Encrypt([]byte(req.Secret))
	if err != nil {
		abortError(c, err)
		return
	}

	cred := &types.Credential{
		Name:            req.Name,
		Username:        req.Username,
		Kind:            kind,
		EncryptedSecret: encrypted,
	}
	if err := s.store.CreateCredential(cred); err != nil {
		abortValidation(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, cred)
}

func (s *Server) deleteCredential(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteCredential(id); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Credential deleted"})
}

// testAccess validates SSH reachability and privileges for a credential
// before it is trusted with cluster operations.
func (s *Server) testAccess(c *gin.Context) {
	if s.access == nil {
		abortValidation(c, "Access check is not configured")
		return
	}

	var req AccessCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, err.Error())
		return
	}

	cred, err := s.store.GetCredential(req.CredentialID)
	if err != nil {
		abortError(c, err)
		return
	}

	hosts := make([]probe.HostInput, 0, len(req.Hosts))
	for _, h := range req.Hosts {
		hosts = append(hosts, probe.HostInput{Hostname: h.Hostname, IP: h.IP})
	}

	result, err := s.access.Check(cred, hosts)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
