package pubsub

import "testing"

func TestResourceNames(t *testing.T) {
	c := &Client{projectID: "imms-dev"}

	cases := []struct {
		got  string
		want string
	}{
		{c.subscriptionResourceName("batch-admission-sub"), "projects/imms-dev/subscriptions/batch-admission-sub"},
		{c.subscriptionResourceName(" projects/other/subscriptions/x "), "projects/other/subscriptions/x"},
		{c.topicResourceName("batch-row-outcomes"), "projects/imms-dev/topics/batch-row-outcomes"},
		{c.topicResourceName("projects/other/topics/y"), "projects/other/topics/y"},
		{c.topicResourceName(""), ""},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, tc.got)
		}
	}

	var nilClient *Client
	if nilClient.topicResourceName("x") != "" {
		t.Fatal("nil client should yield empty names")
	}
	if (&Client{}).subscriptionResourceName("x") != "" {
		t.Fatal("missing project should yield empty names")
	}
}

func TestTrimNames(t *testing.T) {
	got := trimNames([]string{" a ", "", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected names %v", got)
	}
}
