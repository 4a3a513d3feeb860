package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ostrenko/mailpool/pkg/models"
)

type accountRequest struct {
	// Import is the one-line form "email----password----client_id----refresh_token".
	// When set, the individual fields are ignored.
	Import string `json:"import"`

	Email        string  `json:"email"`
	Password     string  `json:"password"`
	ClientID     string  `json:"client_id"`
	RefreshToken string  `json:"refresh_token"`
	Status       *string `json:"status"`
	Remark       *string `json:"remark"`
}

// parseImportLine splits the four-field import format.
func parseImportLine(line string) (email, password, clientID, refreshToken string, err error) {
	parts := strings.Split(strings.TrimSpace(line), "----")
	if len(parts) < 4 {
		return "", "", "", "", fmt.Errorf("expected email----password----client_id----refresh_token, got %d fields", len(parts))
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

func (s *Server) handleListAccounts(c *gin.Context) {
	status := c.Query("status")
	if status != "" && status != models.AccountStatusActive && status != models.AccountStatusInactive {
		fail(c, http.StatusBadRequest, codeValidation, "status must be active or inactive")
		return
	}

	accounts, err := s.db.ListAccounts(c.Request.Context(), status)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"accounts": accounts, "total": len(accounts)})
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	if req.Import != "" {
		var err error
		req.Email, req.Password, req.ClientID, req.RefreshToken, err = parseImportLine(req.Import)
		if err != nil {
			fail(c, http.StatusBadRequest, codeValidation, err.Error())
			return
		}
	}
	if req.Email == "" {
		fail(c, http.StatusBadRequest, codeValidation, "email is required")
		return
	}

	account := &models.Account{
		Email:  strings.TrimSpace(req.Email),
		Status: models.AccountStatusActive,
	}
	if req.Remark != nil {
		account.Remark = *req.Remark
	}
	if err := s.encryptInto(account, req.Password, req.ClientID, req.RefreshToken); err != nil {
		s.failErr(c, err)
		return
	}

	if err := s.db.CreateAccount(c.Request.Context(), account); err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"account": account})
}

func (s *Server) handleGetAccount(c *gin.Context) {
	id, err := accountID(c)
	if err != nil {
		fail(c, http.StatusBadRequest, codeValidation, "invalid account id")
		return
	}

	account, err := s.db.GetAccountByID(c.Request.Context(), id)
	if err != nil {
		s.failErr(c, err)
		return
	}

	lse, leaseErr := s.db.GetLeaseByAccountID(c.Request.Context(), id)
	payload := gin.H{"account": account}
	if leaseErr == nil {
		payload["lease"] = lse
	}
	ok(c, payload)
}

func (s *Server) handleUpdateAccount(c *gin.Context) {
	id, err := accountID(c)
	if err != nil {
		fail(c, http.StatusBadRequest, codeValidation, "invalid account id")
		return
	}

	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if req.Status != nil && *req.Status != models.AccountStatusActive && *req.Status != models.AccountStatusInactive {
		fail(c, http.StatusBadRequest, codeValidation, "status must be active or inactive")
		return
	}

	ctx := c.Request.Context()
	account, err := s.db.GetAccountByID(ctx, id)
	if err != nil {
		s.failErr(c, err)
		return
	}

	if req.Email != "" {
		account.Email = strings.TrimSpace(req.Email)
	}
	if req.Status != nil {
		account.Status = *req.Status
	}
	if req.Remark != nil {
		account.Remark = *req.Remark
	}
	if err := s.encryptInto(account, req.Password, req.ClientID, req.RefreshToken); err != nil {
		s.failErr(c, err)
		return
	}

	if err := s.db.UpdateAccount(ctx, account); err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"account": account})
}

// handleDeleteAccount removes an account; its lease and refresh logs cascade.
func (s *Server) handleDeleteAccount(c *gin.Context) {
	id, err := accountID(c)
	if err != nil {
		fail(c, http.StatusBadRequest, codeValidation, "invalid account id")
		return
	}

	if err := s.db.DeleteAccount(c.Request.Context(), id); err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, nil)
}

func accountID(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

// encryptInto writes non-empty credential fields into the account, encrypted.
func (s *Server) encryptInto(account *models.Account, password, clientID, refreshToken string) error {
	if password != "" {
		enc, err := s.vault.Encrypt(password)
		if err != nil {
			return err
		}
		account.Password = enc
	}
	if clientID != "" {
		enc, err := s.vault.Encrypt(clientID)
		if err != nil {
			return err
		}
		account.ClientID = enc
	}
	if refreshToken != "" {
		enc, err := s.vault.Encrypt(refreshToken)
		if err != nil {
			return err
		}
		account.RefreshToken = enc
	}
	return nil
}

// decryptCredentials produces the plaintext bundle for a lease holder.
func (s *Server) decryptCredentials(account *models.Account) (*models.Credentials, error) {
	password, err := s.vault.Decrypt(account.Password)
	if err != nil {
		return nil, err
	}
	clientID, err := s.vault.Decrypt(account.ClientID)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.vault.Decrypt(account.RefreshToken)
	if err != nil {
		return nil, err
	}
	return &models.Credentials{
		AccountID:    account.ID,
		Email:        account.Email,
		Password:     password,
		ClientID:     clientID,
		RefreshToken: refreshToken,
	}, nil
}
