package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"stark-backend/sdk/go/stark"
)

func main() {
	baseURL := os.Getenv("STARK_API_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := stark.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAccessToken(os.Getenv("STARK_OPERATOR_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	msg, err := client.SubmitMessage(ctx, stark.MessageSubmission{
		ChannelID: 1,
		SessionID: 1,
		UserName:  "sdk-example",
		Text:      "Summarise the open tasks and propose a plan.",
	})
	if err != nil {
		log.Fatalf("submit message: %v", err)
	}
	fmt.Printf("queued message %s\n", msg.ID)

	msg, err = client.WaitForMessage(ctx, msg.ID, 2*time.Second)
	if err != nil {
		log.Fatalf("wait for message: %v", err)
	}
	fmt.Printf("message %s ended as %s\n", msg.ID, msg.Status)
	if msg.Result != nil {
		fmt.Printf("summary: %s\n", msg.Result.Summary)
	}

	status, err := client.SessionStatus(ctx, msg.SessionID)
	if err != nil {
		log.Fatalf("session status: %v", err)
	}
	for _, t := range status.Tasks {
		fmt.Printf("- [%s] %s (%s)\n", t.ID, t.Subject, t.Status)
	}
}
