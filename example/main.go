package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"

	"mauve.dev/websub"
	"mauve.dev/websub/store/bolt"
)

func main() {
	store, err := bolt.New("hub.db")

	if err != nil {
		log.Fatal(err)
	}

	h := websub.New(store, websub.WithURL("http://localhost:8080/"))

	h.On(func(event *websub.Verified) {
		log.Println("subscription verified:", event.Subscription.Callback)
	})

	h.On(func(event *websub.Delivered) {
		log.Println("notification delivered:", event.Subscription.Callback)
	})

	r := http.NewServeMux()

	r.HandleFunc("/", h.ServeHTTP)

	log.Println("Starting server on :8080")

	go http.ListenAndServe(":8080", r)

	interrupt := make(chan os.Signal, 1)

	signal.Notify(interrupt, os.Interrupt)

	<-interrupt

	h.Close()
	store.Close()
}
