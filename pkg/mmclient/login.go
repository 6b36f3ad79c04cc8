// Copyright 2024-2026 Aiku AI

package mmclient

import (
	"context"
	"net/http"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// PasswordLogin exchanges a username and password for session credentials.
func PasswordLogin(ctx context.Context, serverURL, username, password string) (remote.Credentials, *remote.Identity, error) {
	client := model.NewAPIv4Client(serverURL)
	user, resp, err := client.Login(ctx, username, password)
	if err != nil {
		return remote.Credentials{}, nil, classify(resp, err, "login failed")
	}
	var csrf string
	if resp != nil {
		for _, cookie := range (&http.Response{Header: resp.Header}).Cookies() {
			if cookie.Name == model.SessionCookieCsrf {
				csrf = cookie.Value
			}
		}
	}
	return remote.Credentials{AuthToken: client.AuthToken, CSRFToken: csrf}, &remote.Identity{
		UserID:      user.Id,
		Username:    user.Username,
		DisplayName: user.GetDisplayName(model.ShowNicknameFullName),
	}, nil
}

// ValidateToken checks a personal access token or session token.
func ValidateToken(ctx context.Context, serverURL, token string) (*remote.Identity, error) {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	user, resp, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, classify(resp, err, "authentication failed")
	}
	return &remote.Identity{
		UserID:      user.Id,
		Username:    user.Username,
		DisplayName: user.GetDisplayName(model.ShowNicknameFullName),
	}, nil
}
