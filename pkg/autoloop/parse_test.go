package autoloop

import "testing"

func TestParseOfferHappyPath(t *testing.T) {
	offer, ok := ParseOffer("Offering 1 AP to summarize. AgentPay. My ENS: client.eth")
	if !ok {
		t.Fatal("expected offer to parse")
	}
	if offer.Price != 1 || offer.TaskType != "summarize" || offer.PosterENS != "client.eth" {
		t.Fatalf("unexpected offer: %+v", offer)
	}
}

func TestParseOfferCaseInsensitiveAndWhitespaceTolerant(t *testing.T) {
	offer, ok := ParseOffer("  OFFERING   42   AP   TO   translate a document.   AGENTPAY.   my ens:   Bob.ETH  ")
	if !ok {
		t.Fatal("expected offer to parse")
	}
	if offer.Price != 42 || offer.PosterENS != "bob.eth" {
		t.Fatalf("unexpected offer: %+v", offer)
	}
}

func TestParseOfferMissingAgentPayMarkerFails(t *testing.T) {
	if _, ok := ParseOffer("Offering 1 AP to summarize. My ENS: client.eth"); ok {
		t.Fatal("expected parse to fail without AgentPay marker")
	}
}

func TestParseOfferMissingENSFails(t *testing.T) {
	if _, ok := ParseOffer("Offering 1 AP to summarize. AgentPay."); ok {
		t.Fatal("expected parse to fail without an ENS name")
	}
}

func TestParseOfferNonOfferTextFails(t *testing.T) {
	if _, ok := ParseOffer("just chatting, nothing to see here"); ok {
		t.Fatal("expected non-offer text not to parse")
	}
}

func TestParseAcceptHappyPath(t *testing.T) {
	accept, ok := ParseAccept("I accept. My ENS: worker.eth")
	if !ok {
		t.Fatal("expected accept to parse")
	}
	if accept.WorkerENS != "worker.eth" {
		t.Fatalf("unexpected accept: %+v", accept)
	}
}

func TestParseAcceptApostropheVariant(t *testing.T) {
	accept, ok := ParseAccept("I'll do it. my ens: worker2.eth")
	if !ok {
		t.Fatal("expected accept to parse")
	}
	if accept.WorkerENS != "worker2.eth" {
		t.Fatalf("unexpected accept: %+v", accept)
	}
}

func TestParseAcceptMissingENSFails(t *testing.T) {
	if _, ok := ParseAccept("I accept, sounds good"); ok {
		t.Fatal("expected parse to fail without an ENS name")
	}
}
