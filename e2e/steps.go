package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cucumber/godog"
)

// RegisterSteps registers all step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Background steps
	ctx.Step(`^the consent service is running$`, tc.serviceIsRunning)
	ctx.Step(`^the consent service allows (\d+) submissions? per client$`, tc.serviceWithLimit)

	// Visitor steps
	ctx.Step(`^I submit "([^"]*)" from the site$`, tc.submitFromSite)
	ctx.Step(`^I submit "([^"]*)" with "([^"]*)" enabled from the site$`, tc.submitWithCategories)
	ctx.Step(`^I submit "([^"]*)" from origin "([^"]*)"$`, tc.submitFromOrigin)
	ctx.Step(`^I submit "([^"]*)" (\d+) times from the site$`, tc.submitRepeatedly)
	ctx.Step(`^I switch to client address "([^"]*)"$`, tc.switchClient)
	ctx.Step(`^I revoke my consent$`, tc.revoke)
	ctx.Step(`^I request my consent state$`, tc.requestState)

	// Admin steps
	ctx.Step(`^the administrator bumps the revision$`, tc.bumpRevision)
	ctx.Step(`^I request the consent summary$`, tc.requestSummary)
	ctx.Step(`^I request the consent summary without the admin token$`, tc.requestSummaryAnonymously)

	// Assertion steps
	ctx.Step(`^the response status should be (\d+)$`, tc.responseStatusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should equal "([^"]*)"$`, tc.responseFieldShouldEqual)
	ctx.Step(`^I should have a consent identifier$`, tc.shouldHaveConsentID)
	ctx.Step(`^category "([^"]*)" should be (granted|denied)$`, tc.categoryShouldBe)
	ctx.Step(`^signal "([^"]*)" should be "([^"]*)"$`, tc.signalShouldBe)
	ctx.Step(`^the summary should count (\d+) "([^"]*)" events?$`, tc.summaryShouldCount)
	ctx.Step(`^the ledger should hold (\d+) records?$`, tc.ledgerShouldHold)
}

var (
	sameOrigin = map[string]string{"Origin": siteOrigin}
	admin      = map[string]string{"X-Admin-Token": adminToken}
)

func (tc *TestContext) serviceIsRunning(context.Context) error {
	return tc.Start(nil)
}

func (tc *TestContext) serviceWithLimit(_ context.Context, n int) error {
	return tc.Start(map[string]string{"CONSENTRY_RATE_LIMIT_REQUESTS": strconv.Itoa(n)})
}

func (tc *TestContext) submit(event string, states map[string]bool, headers map[string]string) error {
	body := map[string]any{"event": event}
	if states != nil {
		body["states"] = states
	}
	if tc.ConsentID != "" {
		body["consent_id"] = tc.ConsentID
	}
	if err := tc.POSTWithHeaders("/consent", body, headers); err != nil {
		return err
	}
	if tc.LastResponse.StatusCode == 200 {
		if id, err := tc.GetResponseField("consent_id"); err == nil {
			tc.ConsentID, _ = id.(string)
		}
	}
	return nil
}

func (tc *TestContext) submitFromSite(_ context.Context, event string) error {
	return tc.submit(event, nil, sameOrigin)
}

func (tc *TestContext) submitWithCategories(_ context.Context, event, categories string) error {
	states := map[string]bool{}
	for _, c := range strings.Split(categories, ",") {
		states[strings.TrimSpace(c)] = true
	}
	return tc.submit(event, states, sameOrigin)
}

func (tc *TestContext) submitFromOrigin(_ context.Context, event, origin string) error {
	return tc.submit(event, nil, map[string]string{"Origin": origin})
}

func (tc *TestContext) submitRepeatedly(_ context.Context, event string, n int) error {
	for i := range n {
		if err := tc.submit(event, nil, sameOrigin); err != nil {
			return err
		}
		if tc.LastResponse.StatusCode != 200 {
			return fmt.Errorf("submission %d: status %d", i+1, tc.LastResponse.StatusCode)
		}
	}
	return nil
}

func (tc *TestContext) switchClient(_ context.Context, ip string) error {
	tc.ClientIP = ip
	return nil
}

func (tc *TestContext) revoke(context.Context) error {
	return tc.POSTWithHeaders("/consent/revoke", map[string]any{"consent_id": tc.ConsentID}, sameOrigin)
}

func (tc *TestContext) requestState(context.Context) error {
	return tc.GET("/consent/state?consent_id="+url.QueryEscape(tc.ConsentID), nil)
}

func (tc *TestContext) bumpRevision(context.Context) error {
	return tc.POSTWithHeaders("/revision/bump", nil, admin)
}

func (tc *TestContext) requestSummary(context.Context) error {
	return tc.GET("/consent/summary", admin)
}

func (tc *TestContext) requestSummaryAnonymously(context.Context) error {
	return tc.GET("/consent/summary", nil)
}

func (tc *TestContext) responseStatusShouldBe(_ context.Context, expected int) error {
	if tc.LastResponse == nil {
		return fmt.Errorf("no response received")
	}
	if tc.LastResponse.StatusCode != expected {
		return fmt.Errorf("expected status %d, got %d", expected, tc.LastResponse.StatusCode)
	}
	return nil
}

func (tc *TestContext) responseFieldShouldEqual(_ context.Context, field, expected string) error {
	value, err := tc.GetResponseField(field)
	if err != nil {
		return err
	}
	if got := fmt.Sprint(value); got != expected {
		return fmt.Errorf("field %q: expected %q, got %q", field, expected, got)
	}
	return nil
}

func (tc *TestContext) shouldHaveConsentID(context.Context) error {
	if len(tc.ConsentID) != 32 {
		return fmt.Errorf("expected a 32 character consent id, got %q", tc.ConsentID)
	}
	return nil
}

func (tc *TestContext) nested(field, key string) (any, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(tc.LastResponseBody, &body); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	var inner map[string]any
	if err := json.Unmarshal(body[field], &inner); err != nil {
		return nil, fmt.Errorf("field %q is not an object", field)
	}
	v, ok := inner[key]
	if !ok {
		return nil, fmt.Errorf("%s.%s not found in response", field, key)
	}
	return v, nil
}

func (tc *TestContext) categoryShouldBe(_ context.Context, category, want string) error {
	v, err := tc.nested("states", category)
	if err != nil {
		return err
	}
	if granted, _ := v.(bool); granted != (want == "granted") {
		return fmt.Errorf("category %q: expected %s, got %v", category, want, v)
	}
	return nil
}

func (tc *TestContext) signalShouldBe(_ context.Context, signal, want string) error {
	v, err := tc.nested("signals", signal)
	if err != nil {
		return err
	}
	if v != want {
		return fmt.Errorf("signal %q: expected %q, got %v", signal, want, v)
	}
	return nil
}

func (tc *TestContext) summaryShouldCount(_ context.Context, n int, event string) error {
	v, err := tc.nested("summary", event)
	if err != nil {
		return err
	}
	if got, _ := v.(float64); int(got) != n {
		return fmt.Errorf("summary %q: expected %d, got %v", event, n, v)
	}
	return nil
}

func (tc *TestContext) ledgerShouldHold(_ context.Context, n int) error {
	if err := tc.GET("/consent/records", admin); err != nil {
		return err
	}
	return tc.responseFieldShouldEqual(context.Background(), "total", strconv.Itoa(n))
}
