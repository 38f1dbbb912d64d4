package api

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/token"
)

// URLBuilder implements command.URLBuilder over the routes served here.
type URLBuilder struct {
	base   string
	tokens *token.Issuer
}

func NewURLBuilder(publicBaseURL string, tokens *token.Issuer) *URLBuilder {
	return &URLBuilder{base: strings.TrimRight(publicBaseURL, "/"), tokens: tokens}
}

func (b *URLBuilder) build(path string, sessionID uuid.UUID) (string, error) {
	tok, err := b.tokens.Issue(sessionID)
	if err != nil {
		return "", fmt.Errorf("api: build %s url: %w", path, err)
	}
	return b.base + "/api/v1/purchase/" + path + "/" + tok, nil
}

func (b *URLBuilder) ThreeDCompleteURL(sessionID uuid.UUID) (string, error) {
	return b.build("threed/complete", sessionID)
}

func (b *URLBuilder) ThreeDSimplifiedURL(sessionID uuid.UUID) (string, error) {
	return b.build("threed/simplified-complete", sessionID)
}

func (b *URLBuilder) ThirdPartyReturnURL(sessionID uuid.UUID) (string, error) {
	return b.build("thirdparty/return", sessionID)
}

func (b *URLBuilder) ThirdPartyPostbackURL(sessionID uuid.UUID) (string, error) {
	return b.build("thirdparty/postback", sessionID)
}
