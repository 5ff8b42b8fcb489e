package authapi

import (
	"time"

	"accounts/cmd/internal/account"
)

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// updateRequest carries every field a client may send. role, email, status
// and id are decoded so they can be handed to the core, which ignores them.
type updateRequest struct {
	ID       *string `json:"id"`
	Name     *string `json:"name"`
	OrgEmail *string `json:"org_email"`
	Password *string `json:"password"`
	Role     *string `json:"role"`
	Email    *string `json:"email"`
	Status   *string `json:"status"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type userResponse struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	OrgEmail string `json:"org_email"`
	Complete bool   `json:"complete"`
}

type userEnvelope struct {
	User userResponse `json:"user"`
}

type signinResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      userResponse `json:"user"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func toUserResponse(s account.Summary) userResponse {
	return userResponse{
		ID:       s.ID,
		Role:     string(s.Role),
		Name:     s.Name,
		Email:    s.Email,
		OrgEmail: s.OrgEmail,
		Complete: s.Complete(),
	}
}

func (req updateRequest) fields() account.Fields {
	return account.Fields{
		Name:     req.Name,
		OrgEmail: req.OrgEmail,
		Password: req.Password,
		Role:     req.Role,
		Email:    req.Email,
		Status:   req.Status,
		ID:       req.ID,
	}
}
